// Package memory provides an in-memory step repository for development
// and tests. State does not survive a restart; the Postgres store is the
// durable implementation.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
)

type stepKey struct {
	analysisID string
	stepIndex  int
}

// StepStore implements store.StepRepository on process-local maps.
type StepStore struct {
	mu    sync.RWMutex
	tasks map[string]store.TaskRecord
	steps map[stepKey]store.StepRecord
}

// NewStepStore constructs an empty StepStore.
func NewStepStore() *StepStore {
	return &StepStore{
		tasks: make(map[string]store.TaskRecord),
		steps: make(map[stepKey]store.StepRecord),
	}
}

// UpsertTask inserts or replaces the task row.
func (s *StepStore) UpsertTask(_ context.Context, task store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.AnalysisID] = task
	return nil
}

// UpsertStep inserts or replaces one step row.
func (s *StepStore) UpsertStep(_ context.Context, step store.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step.Events = append([]store.StepEventRecord(nil), step.Events...)
	s.steps[stepKey{step.AnalysisID, step.StepIndex}] = step
	return nil
}

// GetTask loads the task row or reports store.ErrNotFound.
func (s *StepStore) GetTask(_ context.Context, analysisID string) (store.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[analysisID]
	if !ok {
		return store.TaskRecord{}, store.ErrNotFound
	}
	return task, nil
}

// ListSteps returns the job's step rows ordered by step index.
func (s *StepStore) ListSteps(_ context.Context, analysisID string) ([]store.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.StepRecord
	for key, rec := range s.steps {
		if key.analysisID != analysisID {
			continue
		}
		rec.Events = append([]store.StepEventRecord(nil), rec.Events...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// DeleteTask removes the task row and every step row for the job.
func (s *StepStore) DeleteTask(_ context.Context, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[analysisID]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, analysisID)
	for key := range s.steps {
		if key.analysisID == analysisID {
			delete(s.steps, key)
		}
	}
	return nil
}
