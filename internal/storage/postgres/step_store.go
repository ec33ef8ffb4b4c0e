// Package postgres provides the durable step repository. Task and step
// rows are upserted on every tracker mutation, and step events travel as
// a JSONB column so a row carries its full lifecycle.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock
// implements it for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// StepStore implements store.StepRepository on Postgres.
type StepStore struct {
	pool pgxPool
}

// NewStepStore connects a pool and returns the store.
func NewStepStore(ctx context.Context, cfg Config) (*StepStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StepStore{pool: pool}, nil
}

// NewStepStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewStepStoreWithPool(pool pgxPool) (*StepStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StepStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *StepStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertTask inserts or updates the analysis_tasks row.
func (s *StepStore) UpsertTask(ctx context.Context, task store.TaskRecord) error {
	query := `
		INSERT INTO analysis_tasks (
			analysis_id, status, stock_symbol, started_at, finished_at,
			paused_seconds, last_message, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (analysis_id) DO UPDATE SET
			status = EXCLUDED.status,
			stock_symbol = EXCLUDED.stock_symbol,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			paused_seconds = EXCLUDED.paused_seconds,
			last_message = EXCLUDED.last_message,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		task.AnalysisID,
		string(task.Status),
		task.StockSymbol,
		task.StartedAt,
		task.FinishedAt,
		task.PausedSeconds,
		task.LastMessage,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// UpsertStep inserts or updates one analysis_steps row.
func (s *StepStore) UpsertStep(ctx context.Context, step store.StepRecord) error {
	eventsJSON, err := marshalEvents(step.Events)
	if err != nil {
		return fmt.Errorf("marshal step events: %w", err)
	}
	query := `
		INSERT INTO analysis_steps (
			analysis_id, step_index, status, start_time, end_time,
			elapsed_seconds, events
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (analysis_id, step_index) DO UPDATE SET
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			elapsed_seconds = EXCLUDED.elapsed_seconds,
			events = EXCLUDED.events;
	`
	_, err = s.pool.Exec(ctx, query,
		step.AnalysisID,
		step.StepIndex,
		string(step.Status),
		step.StartTime,
		step.EndTime,
		step.ElapsedSeconds,
		eventsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

// GetTask loads the analysis_tasks row or reports store.ErrNotFound.
func (s *StepStore) GetTask(ctx context.Context, analysisID string) (store.TaskRecord, error) {
	query := `
		SELECT analysis_id, status, stock_symbol, started_at, finished_at,
		       paused_seconds, last_message, updated_at
		FROM analysis_tasks
		WHERE analysis_id = $1;
	`
	var (
		task   store.TaskRecord
		status string
	)
	err := s.pool.QueryRow(ctx, query, analysisID).Scan(
		&task.AnalysisID,
		&status,
		&task.StockSymbol,
		&task.StartedAt,
		&task.FinishedAt,
		&task.PausedSeconds,
		&task.LastMessage,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRecord{}, store.ErrNotFound
		}
		return store.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	task.Status = message.TaskStatus(status)
	return task, nil
}

// ListSteps returns the job's step rows ordered by step index.
func (s *StepStore) ListSteps(ctx context.Context, analysisID string) ([]store.StepRecord, error) {
	query := `
		SELECT analysis_id, step_index, status, start_time, end_time,
		       elapsed_seconds, events
		FROM analysis_steps
		WHERE analysis_id = $1
		ORDER BY step_index;
	`
	rows, err := s.pool.Query(ctx, query, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []store.StepRecord
	for rows.Next() {
		var (
			rec        store.StepRecord
			status     string
			eventsJSON []byte
		)
		err := rows.Scan(
			&rec.AnalysisID,
			&rec.StepIndex,
			&status,
			&rec.StartTime,
			&rec.EndTime,
			&rec.ElapsedSeconds,
			&eventsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		rec.Status = store.StepStatus(status)
		if len(eventsJSON) > 0 {
			if err := json.Unmarshal(eventsJSON, &rec.Events); err != nil {
				return nil, fmt.Errorf("unmarshal step events: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step rows: %w", err)
	}
	return out, nil
}

// DeleteTask removes the task row and its step rows. Missing tasks report
// store.ErrNotFound.
func (s *StepStore) DeleteTask(ctx context.Context, analysisID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM analysis_steps WHERE analysis_id = $1;`, analysisID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	res, err := s.pool.Exec(ctx, `DELETE FROM analysis_tasks WHERE analysis_id = $1;`, analysisID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalEvents(events []store.StepEventRecord) ([]byte, error) {
	if events == nil {
		events = []store.StepEventRecord{}
	}
	return json.Marshal(events)
}
