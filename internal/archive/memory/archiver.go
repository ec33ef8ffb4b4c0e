// Package memory keeps archived histories in-process for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Archiver stores artifacts in memory and returns pseudo URIs.
type Archiver struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory archiver.
func New() *Archiver {
	return &Archiver{data: make(map[string][]byte)}
}

// Put stores the artifact content under path.
func (a *Archiver) Put(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored artifact's content.
func (a *Archiver) Get(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports how many artifacts are stored.
func (a *Archiver) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.data)
}
