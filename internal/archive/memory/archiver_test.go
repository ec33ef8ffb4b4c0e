package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	a := New()
	uri, err := a.Put(context.Background(), "analyses/a1/history.json", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, "memory://analyses/a1/history.json", uri)

	data, ok := a.Get("analyses/a1/history.json")
	require.True(t, ok)
	require.Equal(t, "{}", string(data))
	require.Equal(t, 1, a.Len())
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	a := New()
	_, ok := a.Get("nope")
	require.False(t, ok)
}

func TestPutIsolatesStoredCopy(t *testing.T) {
	t.Parallel()

	a := New()
	_, err := a.Put(context.Background(), "p", "", strings.NewReader("abc"))
	require.NoError(t, err)

	data, ok := a.Get("p")
	require.True(t, ok)
	data[0] = 'z'

	again, _ := a.Get("p")
	require.Equal(t, "abc", string(again))
}
