package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
)

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewStepStore()
	ctx := context.Background()

	_, err := s.GetTask(ctx, "a1")
	require.ErrorIs(t, err, store.ErrNotFound)

	task := store.TaskRecord{
		AnalysisID:  "a1",
		Status:      message.StatusRunning,
		StockSymbol: "AAPL",
		LastMessage: "analysis started",
	}
	require.NoError(t, s.UpsertTask(ctx, task))

	got, err := s.GetTask(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, task, got)

	task.Status = message.StatusCompleted
	require.NoError(t, s.UpsertTask(ctx, task))
	got, err = s.GetTask(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, message.StatusCompleted, got.Status)
}

func TestListStepsOrderedByIndex(t *testing.T) {
	t.Parallel()

	s := NewStepStore()
	ctx := context.Background()

	for _, idx := range []int{2, 0, 1} {
		require.NoError(t, s.UpsertStep(ctx, store.StepRecord{
			AnalysisID: "a1",
			StepIndex:  idx,
			Status:     store.StepCompleted,
		}))
	}
	require.NoError(t, s.UpsertStep(ctx, store.StepRecord{
		AnalysisID: "other",
		StepIndex:  0,
		Status:     store.StepRunning,
	}))

	rows, err := s.ListSteps(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, rec := range rows {
		require.Equal(t, i, rec.StepIndex)
		require.Equal(t, "a1", rec.AnalysisID)
	}
}

func TestListStepsEmptyJob(t *testing.T) {
	t.Parallel()

	s := NewStepStore()
	rows, err := s.ListSteps(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestUpsertStepIsolatesEvents(t *testing.T) {
	t.Parallel()

	s := NewStepStore()
	ctx := context.Background()

	events := []store.StepEventRecord{{Kind: "start", At: time.Now().UTC()}}
	require.NoError(t, s.UpsertStep(ctx, store.StepRecord{
		AnalysisID: "a1",
		StepIndex:  0,
		Status:     store.StepRunning,
		Events:     events,
	}))
	events[0].Kind = "mutated"

	rows, err := s.ListSteps(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "start", rows[0].Events[0].Kind)
}

func TestDeleteTaskRemovesSteps(t *testing.T) {
	t.Parallel()

	s := NewStepStore()
	ctx := context.Background()

	require.ErrorIs(t, s.DeleteTask(ctx, "a1"), store.ErrNotFound)

	require.NoError(t, s.UpsertTask(ctx, store.TaskRecord{AnalysisID: "a1", Status: message.StatusStopped}))
	require.NoError(t, s.UpsertStep(ctx, store.StepRecord{AnalysisID: "a1", StepIndex: 0}))
	require.NoError(t, s.DeleteTask(ctx, "a1"))

	_, err := s.GetTask(ctx, "a1")
	require.ErrorIs(t, err, store.ErrNotFound)
	rows, err := s.ListSteps(ctx, "a1")
	require.NoError(t, err)
	require.Empty(t, rows)
}
