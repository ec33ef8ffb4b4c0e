// Package registry owns the set of live trackers. It is the explicit
// replacement for a global consumer map: jobs are registered and freed
// through one object, which also wires each tracker's bus subscriptions
// and archives its final history on the way out.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/archive"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/clock"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/metrics"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/tracker"
)

// ErrUnknownJob signals an operation against an analysis id that is not
// registered. A lookup miss is a normal condition, not a fault.
var ErrUnknownJob = errors.New("unknown analysis job")

// Config wires a Registry.
type Config struct {
	Router *router.Router
	Clock  clock.Clock
	Logger *zap.Logger
	// Repo rebuilds trackers across restarts and receives their
	// write-through state. Optional.
	Repo store.StepRepository
	// Broadcaster is handed to every tracker for outbound progress.
	// Optional.
	Broadcaster tracker.Broadcaster
	// Archiver receives the final history JSON on unregister. Optional.
	Archiver archive.Archiver
	Weights  tracker.WeightPolicy
}

// Registry maps analysis ids onto live trackers.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*tracker.Tracker
}

// New builds an empty Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.Named("registry"),
		jobs:   make(map[string]*tracker.Tracker),
	}, nil
}

// RegisterOption customizes a registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	stockSymbol string
}

// WithStockSymbol attaches the instrument under analysis to the tracker.
func WithStockSymbol(symbol string) RegisterOption {
	return func(o *registerOptions) {
		o.stockSymbol = symbol
	}
}

// Register creates a tracker for id, rebuilds any persisted state, and
// subscribes it to the job's module lifecycle topics. Registering an id
// twice is an error; the first tracker stays authoritative.
func (r *Registry) Register(ctx context.Context, id string, steps []plan.Step, opts ...RegisterOption) (*tracker.Tracker, error) {
	if id == "" {
		return nil, fmt.Errorf("analysis id is required")
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[id]; exists {
		return nil, fmt.Errorf("analysis %s is already registered", id)
	}

	tr, err := tracker.New(tracker.Config{
		AnalysisID:  id,
		Plan:        steps,
		StockSymbol: o.stockSymbol,
		Clock:       r.cfg.Clock,
		Logger:      r.cfg.Logger,
		Repo:        r.cfg.Repo,
		Broadcaster: r.cfg.Broadcaster,
		Weights:     r.cfg.Weights,
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}

	r.restore(ctx, tr, id)

	handler := func(env message.Envelope) {
		// Subscriptions outlive the registration call's context.
		tr.HandleEnvelope(context.Background(), env)
	}
	var subscribed []message.Kind
	for _, kind := range message.ModuleKinds() {
		if err := r.cfg.Router.Subscribe(ctx, kind, handler, router.ForAnalysis(id)); err != nil {
			r.unsubscribe(ctx, id, subscribed)
			return nil, fmt.Errorf("register %s: %w", id, err)
		}
		subscribed = append(subscribed, kind)
	}

	r.jobs[id] = tr
	metrics.IncActiveJobs()
	r.logger.Info("registered analysis",
		zap.String("analysis_id", id),
		zap.Int("planned_steps", len(steps)),
	)
	return tr, nil
}

// restore seeds the tracker from persisted rows, if any exist.
func (r *Registry) restore(ctx context.Context, tr *tracker.Tracker, id string) {
	if r.cfg.Repo == nil {
		return
	}
	task, err := r.cfg.Repo.GetTask(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("loading persisted task failed", zap.String("analysis_id", id), zap.Error(err))
		}
		return
	}
	rows, err := r.cfg.Repo.ListSteps(ctx, id)
	if err != nil {
		r.logger.Warn("loading persisted steps failed", zap.String("analysis_id", id), zap.Error(err))
		return
	}
	tr.Restore(task, rows)
	r.logger.Info("restored analysis from store",
		zap.String("analysis_id", id),
		zap.String("status", string(task.Status)),
		zap.Int("persisted_steps", len(rows)),
	)
}

// Lookup returns the tracker for id. A miss is a normal condition.
func (r *Registry) Lookup(id string) (*tracker.Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.jobs[id]
	return tr, ok
}

// Len reports how many jobs are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Pause pauses the job's tracker.
func (r *Registry) Pause(ctx context.Context, id string) error {
	tr, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("pause %s: %w", id, ErrUnknownJob)
	}
	return tr.Pause(ctx)
}

// Resume resumes the job's tracker.
func (r *Registry) Resume(ctx context.Context, id string) error {
	tr, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("resume %s: %w", id, ErrUnknownJob)
	}
	return tr.Resume(ctx)
}

// Stop stops the job's tracker.
func (r *Registry) Stop(ctx context.Context, id string) error {
	tr, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrUnknownJob)
	}
	return tr.Stop(ctx)
}

// archivedHistory is the JSON artifact written on unregister.
type archivedHistory struct {
	Snapshot tracker.Snapshot   `json:"snapshot"`
	Steps    []tracker.StepView `json:"steps"`
}

// Unregister removes the job: its subscriptions are dropped, its final
// history is archived, and its store rows are deleted. Archive and store
// failures are logged but never block freeing the entry.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	tr, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister %s: %w", id, ErrUnknownJob)
	}
	delete(r.jobs, id)
	r.mu.Unlock()

	r.unsubscribe(ctx, id, message.ModuleKinds())
	r.archiveHistory(ctx, tr, id)
	if r.cfg.Repo != nil {
		if err := r.cfg.Repo.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("deleting persisted task failed", zap.String("analysis_id", id), zap.Error(err))
		}
	}
	metrics.DecActiveJobs()
	r.logger.Info("unregistered analysis", zap.String("analysis_id", id))
	return nil
}

func (r *Registry) archiveHistory(ctx context.Context, tr *tracker.Tracker, id string) {
	if r.cfg.Archiver == nil {
		return
	}
	artifact := archivedHistory{
		Snapshot: tr.Snapshot(),
		Steps:    tr.History(),
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		r.logger.Warn("marshaling final history failed", zap.String("analysis_id", id), zap.Error(err))
		return
	}
	path := archive.HistoryPath(id, r.cfg.Clock.Now())
	uri, err := r.cfg.Archiver.Put(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		r.logger.Warn("archiving final history failed", zap.String("analysis_id", id), zap.Error(err))
		return
	}
	r.logger.Info("archived final history",
		zap.String("analysis_id", id),
		zap.String("uri", uri),
	)
}

func (r *Registry) unsubscribe(ctx context.Context, id string, kinds []message.Kind) {
	for _, kind := range kinds {
		if err := r.cfg.Router.Unsubscribe(ctx, kind, router.ForAnalysis(id)); err != nil {
			r.logger.Warn("unsubscribe failed",
				zap.String("analysis_id", id),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
}

// Close unsubscribes every job without archiving or deleting persisted
// state, so trackers can be rebuilt from the store after a restart.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.jobs = make(map[string]*tracker.Tracker)
	r.mu.Unlock()

	for _, id := range ids {
		r.unsubscribe(ctx, id, message.ModuleKinds())
		metrics.DecActiveJobs()
	}
	if len(ids) > 0 {
		r.logger.Info("registry closed", zap.Int("released_jobs", len(ids)))
	}
}
