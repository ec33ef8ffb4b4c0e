// Package store declares interfaces for persisting job progress. The
// tracker writes through on every mutation so its state machine can be
// rebuilt after a restart purely from these rows plus the immutable plan.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// StepStatus mirrors the analysis_steps status column.
type StepStatus string

// Step statuses persisted in analysis_steps.status.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// TaskRecord models the analysis_tasks table.
type TaskRecord struct {
	// AnalysisID is the opaque job identifier shared with the pipeline.
	AnalysisID string
	// Status is the task-level lifecycle state.
	Status message.TaskStatus
	// StockSymbol optionally names the instrument under analysis.
	StockSymbol string
	// StartedAt is nil until the first module.start event arrives.
	StartedAt *time.Time
	// FinishedAt is nil until the task reaches a terminal state.
	FinishedAt *time.Time
	// PausedSeconds accumulates time spent paused, excluded from elapsed.
	PausedSeconds float64
	// LastMessage is the most recent human-readable progress note.
	LastMessage string
	// UpdatedAt captures the write time of the latest mutation.
	UpdatedAt time.Time
}

// StepEventRecord is one lifecycle event within a step, stored as JSON
// alongside the step row.
type StepEventRecord struct {
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	Message  string    `json:"message,omitempty"`
	Duration float64   `json:"duration,omitempty"`
}

// StepRecord models the analysis_steps table, keyed by (analysis_id,
// step_index).
type StepRecord struct {
	AnalysisID     string
	StepIndex      int
	Status         StepStatus
	StartTime      *time.Time
	EndTime        *time.Time
	ElapsedSeconds float64
	Events         []StepEventRecord
}

// StepRepository persists incremental job progress.
type StepRepository interface {
	// UpsertTask inserts or updates the task-level row.
	UpsertTask(ctx context.Context, task TaskRecord) error
	// UpsertStep inserts or updates one step record.
	UpsertStep(ctx context.Context, step StepRecord) error
	// GetTask loads the task row or returns ErrNotFound.
	GetTask(ctx context.Context, analysisID string) (TaskRecord, error)
	// ListSteps returns every persisted step record for a job ordered by
	// step index. A job with no rows yields an empty slice, not an error.
	ListSteps(ctx context.Context, analysisID string) ([]StepRecord, error)
	// DeleteTask removes the task and its step rows after archival.
	DeleteTask(ctx context.Context, analysisID string) error
}
