// Package tracker owns the per-job state machine that turns module
// lifecycle events into step records, task status, and progress
// estimates. One Tracker instance is the single authority for its job;
// all mutations are serialized behind its mutex while reads stay
// concurrent.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/clock"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/metrics"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
)

// Broadcaster fans progress and status transitions back out onto the bus.
// The producer satisfies this interface.
type Broadcaster interface {
	PublishProgress(ctx context.Context, p message.TaskProgress) bool
	PublishStatus(ctx context.Context, s message.TaskStatusUpdate) bool
}

// Config wires one Tracker.
type Config struct {
	AnalysisID  string
	Plan        []plan.Step
	StockSymbol string
	Clock       clock.Clock
	Logger      *zap.Logger
	// Repo receives a write-through copy of every mutation. Optional.
	Repo store.StepRepository
	// Broadcaster receives outbound progress after every applied
	// mutation. Optional.
	Broadcaster Broadcaster
	Weights     WeightPolicy
}

// StepView pairs a planned step with its record. Unreached steps carry a
// synthesized pending record so history never has gaps.
type StepView struct {
	Step   plan.Step        `json:"step"`
	Record store.StepRecord `json:"record"`
}

// Snapshot is a consistent read of the tracker's derived state.
type Snapshot struct {
	AnalysisID         string             `json:"analysis_id"`
	Status             message.TaskStatus `json:"status"`
	CurrentStep        int                `json:"current_step"`
	TotalSteps         int                `json:"total_steps"`
	ProgressPercentage float64            `json:"progress_percentage"`
	CurrentStepName    string             `json:"current_step_name"`
	CurrentStepDisplay string             `json:"current_step_description"`
	ElapsedSeconds     float64            `json:"elapsed_time"`
	RemainingSeconds   float64            `json:"remaining_time"`
	LastMessage        string             `json:"last_message"`
}

// Tracker is the per-job progress state machine.
type Tracker struct {
	id      string
	symbol  string
	plan    []plan.Step
	weights []float64

	clock       clock.Clock
	logger      *zap.Logger
	repo        store.StepRepository
	broadcaster Broadcaster

	mu          sync.RWMutex
	status      message.TaskStatus
	steps       map[int]*store.StepRecord
	startedAt   *time.Time
	finishedAt  *time.Time
	pausedAt    *time.Time
	pausedTotal time.Duration
	lastMessage string
	statusDirty *pendingStatus

	// nameIndex maps module names onto plan indices; it replaces the
	// legacy log-keyword step detection.
	nameIndex map[string][]int
}

// New builds a Tracker in the pending state.
func New(cfg Config) (*Tracker, error) {
	if cfg.AnalysisID == "" {
		return nil, fmt.Errorf("analysis id is required")
	}
	if len(cfg.Plan) == 0 {
		return nil, fmt.Errorf("planned step list is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nameIndex := make(map[string][]int)
	for _, step := range cfg.Plan {
		nameIndex[step.Name] = append(nameIndex[step.Name], step.Index)
	}
	return &Tracker{
		id:          cfg.AnalysisID,
		symbol:      cfg.StockSymbol,
		plan:        append([]plan.Step(nil), cfg.Plan...),
		weights:     cfg.Weights.stepWeights(cfg.Plan),
		clock:       cfg.Clock,
		logger:      logger.Named("tracker").With(zap.String("analysis_id", cfg.AnalysisID)),
		repo:        cfg.Repo,
		broadcaster: cfg.Broadcaster,
		status:      message.StatusPending,
		steps:       make(map[int]*store.StepRecord),
		nameIndex:   nameIndex,
	}, nil
}

// Restore seeds the tracker from persisted rows so the same view can be
// rebuilt after a process restart. It must run before any events are
// applied.
func (t *Tracker) Restore(task store.TaskRecord, steps []store.StepRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if message.ValidTaskStatus(task.Status) {
		t.status = task.Status
	}
	t.startedAt = task.StartedAt
	t.finishedAt = task.FinishedAt
	t.pausedTotal = time.Duration(task.PausedSeconds * float64(time.Second))
	t.lastMessage = task.LastMessage
	if t.status == message.StatusPaused {
		// The pause interval that was open at shutdown is already folded
		// into PausedSeconds; reopen it from now.
		now := t.clock.Now()
		t.pausedAt = &now
	}
	for _, rec := range steps {
		if rec.StepIndex < 0 || rec.StepIndex >= len(t.plan) {
			t.logger.Warn("discarding persisted step outside plan", zap.Int("step_index", rec.StepIndex))
			continue
		}
		copied := rec
		t.steps[rec.StepIndex] = &copied
	}
}

// AnalysisID returns the job identifier.
func (t *Tracker) AnalysisID() string {
	return t.id
}

// HandleEnvelope applies one inbound module event. Unknown or illegal
// events are logged and dropped; they never return an error because event
// delivery is fire-and-forget from the pipeline's perspective.
func (t *Tracker) HandleEnvelope(ctx context.Context, env message.Envelope) {
	ev, err := message.ModuleEventFromEnvelope(env)
	if err != nil {
		t.logger.Warn("dropping malformed module event", zap.Error(err))
		return
	}
	if ev.AnalysisID != t.id {
		t.logger.Warn("dropping event for foreign analysis", zap.String("event_analysis_id", ev.AnalysisID))
		return
	}
	t.applyModuleEvent(ctx, ev, env.Time())
}

func (t *Tracker) applyModuleEvent(ctx context.Context, ev message.ModuleEvent, at time.Time) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		t.logger.Info("ignoring module event on terminal task",
			zap.String("status", string(t.status)),
			zap.String("event", ev.Event),
			zap.String("module", ev.ModuleName),
		)
		return
	}

	idx, ok := t.resolveIndexLocked(ev)
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("dropping event for unplanned module", zap.String("module", ev.ModuleName))
		return
	}

	var applied bool
	switch ev.Event {
	case message.ModuleEventStart:
		applied = t.applyStartLocked(idx, ev, at)
	case message.ModuleEventToolCalling:
		applied = t.applyToolCallingLocked(idx, ev, at)
	case message.ModuleEventComplete:
		applied = t.applyCompleteLocked(idx, ev, at)
	case message.ModuleEventError:
		applied = t.applyErrorLocked(idx, ev, at)
	}
	if !applied {
		t.mu.Unlock()
		return
	}

	stepCopy := *t.steps[idx]
	task := t.taskRecordLocked()
	snap := t.snapshotLocked()
	statusUpd, statusChanged := t.pendingStatusLocked()
	t.mu.Unlock()

	t.persist(ctx, task, &stepCopy)
	t.broadcast(ctx, snap, statusUpd, statusChanged)
}

// applyStartLocked opens a step record. Duplicate starts are idempotent
// no-ops; a start after a terminal event is an ordering violation that is
// logged and ignored rather than reopening the step.
func (t *Tracker) applyStartLocked(idx int, ev message.ModuleEvent, at time.Time) bool {
	rec := t.steps[idx]
	if rec != nil {
		switch rec.Status {
		case store.StepRunning:
			t.logger.Debug("duplicate start ignored", zap.Int("step_index", idx))
		case store.StepCompleted, store.StepFailed:
			t.logger.Warn("start after terminal event ignored",
				zap.Int("step_index", idx),
				zap.String("status", string(rec.Status)),
			)
		default:
			rec.Status = store.StepRunning
			started := at
			rec.StartTime = &started
			t.appendEventLocked(rec, message.ModuleEventStart, ev, at)
			t.noteStartLocked(at, ev)
			return true
		}
		return false
	}
	started := at
	rec = &store.StepRecord{
		AnalysisID: t.id,
		StepIndex:  idx,
		Status:     store.StepRunning,
		StartTime:  &started,
	}
	t.steps[idx] = rec
	t.appendEventLocked(rec, message.ModuleEventStart, ev, at)
	t.noteStartLocked(at, ev)
	return true
}

// applyToolCallingLocked records a sub-duration on a running step. Out of
// order arrivals (step already terminal) still append to the event list
// so the duration is not lost, but never change status.
func (t *Tracker) applyToolCallingLocked(idx int, ev message.ModuleEvent, at time.Time) bool {
	rec := t.steps[idx]
	if rec == nil {
		t.logger.Debug("tool call before start ignored", zap.Int("step_index", idx))
		return false
	}
	t.appendEventLocked(rec, message.ModuleEventToolCalling, ev, at)
	t.noteMessageLocked(ev)
	return true
}

func (t *Tracker) applyCompleteLocked(idx int, ev message.ModuleEvent, at time.Time) bool {
	rec := t.steps[idx]
	if rec != nil && (rec.Status == store.StepCompleted || rec.Status == store.StepFailed) {
		t.logger.Debug("duplicate terminal event ignored", zap.Int("step_index", idx))
		return false
	}
	if rec == nil {
		// Complete without a recorded start: accept it best-effort so a
		// dropped start message cannot wedge the step forever.
		rec = &store.StepRecord{AnalysisID: t.id, StepIndex: idx}
		t.steps[idx] = rec
	}
	rec.Status = store.StepCompleted
	ended := at
	rec.EndTime = &ended
	switch {
	case ev.Duration > 0:
		rec.ElapsedSeconds += ev.Duration
	case rec.StartTime != nil:
		rec.ElapsedSeconds += at.Sub(*rec.StartTime).Seconds()
	}
	t.appendEventLocked(rec, message.ModuleEventComplete, ev, at)
	t.noteMessageLocked(ev)
	metrics.ObserveStepDuration(string(t.plan[idx].Phase), rec.ElapsedSeconds)

	if idx == len(t.plan)-1 {
		t.setStatusLocked(message.StatusCompleted, "analysis completed")
		finished := at
		t.finishedAt = &finished
	}
	return true
}

func (t *Tracker) applyErrorLocked(idx int, ev message.ModuleEvent, at time.Time) bool {
	rec := t.steps[idx]
	if rec != nil && (rec.Status == store.StepCompleted || rec.Status == store.StepFailed) {
		t.logger.Debug("duplicate terminal event ignored", zap.Int("step_index", idx))
		return false
	}
	if rec == nil {
		rec = &store.StepRecord{AnalysisID: t.id, StepIndex: idx}
		t.steps[idx] = rec
	}
	rec.Status = store.StepFailed
	ended := at
	rec.EndTime = &ended
	if rec.StartTime != nil {
		rec.ElapsedSeconds += at.Sub(*rec.StartTime).Seconds()
	}
	t.appendEventLocked(rec, message.ModuleEventError, ev, at)
	t.setStatusLocked(message.StatusFailed, ev.ErrorMessage)
	finished := at
	t.finishedAt = &finished
	return true
}

// Pause moves a running task to paused. Time spent paused is excluded
// from elapsed-time accounting.
func (t *Tracker) Pause(ctx context.Context) error {
	t.mu.Lock()
	if t.status != message.StatusRunning {
		err := &TransitionError{AnalysisID: t.id, From: t.status, Op: "pause"}
		t.mu.Unlock()
		return err
	}
	now := t.clock.Now()
	t.pausedAt = &now
	t.setStatusLocked(message.StatusPaused, "analysis paused")
	t.finishControlAndUnlock(ctx)
	return nil
}

// Resume moves a paused task back to running.
func (t *Tracker) Resume(ctx context.Context) error {
	t.mu.Lock()
	if t.status != message.StatusPaused {
		err := &TransitionError{AnalysisID: t.id, From: t.status, Op: "resume"}
		t.mu.Unlock()
		return err
	}
	if t.pausedAt != nil {
		t.pausedTotal += t.clock.Now().Sub(*t.pausedAt)
		t.pausedAt = nil
	}
	t.setStatusLocked(message.StatusRunning, "analysis resumed")
	t.finishControlAndUnlock(ctx)
	return nil
}

// Stop terminally stops the task. Stopping an already stopped task is a
// no-op; stopping a completed or failed task is rejected. A pending task
// may be stopped so a job that never started can still be torn down.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case message.StatusStopped:
		t.mu.Unlock()
		return nil
	case message.StatusCompleted, message.StatusFailed:
		err := &TransitionError{AnalysisID: t.id, From: t.status, Op: "stop"}
		t.mu.Unlock()
		return err
	}
	if t.pausedAt != nil {
		t.pausedTotal += t.clock.Now().Sub(*t.pausedAt)
		t.pausedAt = nil
	}
	now := t.clock.Now()
	t.finishedAt = &now
	t.setStatusLocked(message.StatusStopped, "analysis stopped")
	t.finishControlAndUnlock(ctx)
	return nil
}

// finishControlAndUnlock persists and broadcasts a control transition. It
// releases the mutex.
func (t *Tracker) finishControlAndUnlock(ctx context.Context) {
	task := t.taskRecordLocked()
	snap := t.snapshotLocked()
	statusUpd, statusChanged := t.pendingStatusLocked()
	t.mu.Unlock()

	t.persist(ctx, task, nil)
	t.broadcast(ctx, snap, statusUpd, statusChanged)
}

// Status returns the task-level lifecycle state.
func (t *Tracker) Status() message.TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Snapshot returns the derived progress view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// CurrentStep returns the view of the step currently running, or the
// next pending step when nothing is in flight.
func (t *Tracker) CurrentStep() StepView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stepViewLocked(t.currentIndexLocked())
}

// PlannedSteps returns the immutable plan.
func (t *Tracker) PlannedSteps() []plan.Step {
	return append([]plan.Step(nil), t.plan...)
}

// History merges the plan with the step-record map. It always returns
// exactly one entry per planned step; unreached steps get a synthesized
// pending record so callers never see a gap.
func (t *Tracker) History() []StepView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StepView, len(t.plan))
	for i := range t.plan {
		out[i] = t.stepViewLocked(i)
	}
	return out
}

func (t *Tracker) stepViewLocked(idx int) StepView {
	view := StepView{Step: t.plan[idx]}
	if rec := t.steps[idx]; rec != nil {
		view.Record = *rec
		view.Record.Events = append([]store.StepEventRecord(nil), rec.Events...)
	} else {
		view.Record = store.StepRecord{
			AnalysisID: t.id,
			StepIndex:  idx,
			Status:     store.StepPending,
		}
	}
	return view
}

// --- internal derivations (callers hold the lock) ---

func (t *Tracker) resolveIndexLocked(ev message.ModuleEvent) (int, bool) {
	if ev.StepIndex >= 0 {
		if ev.StepIndex < len(t.plan) {
			return ev.StepIndex, true
		}
		return 0, false
	}
	idxs := t.nameIndex[ev.ModuleName]
	if len(idxs) == 0 {
		return 0, false
	}
	// Prefer the step currently running under this module name, then the
	// first occurrence that has not started. Repeated debate modules
	// resolve in plan order this way.
	for _, i := range idxs {
		if rec := t.steps[i]; rec != nil && rec.Status == store.StepRunning {
			return i, true
		}
	}
	for _, i := range idxs {
		rec := t.steps[i]
		if rec == nil || rec.Status == store.StepPending {
			return i, true
		}
	}
	return idxs[len(idxs)-1], true
}

func (t *Tracker) appendEventLocked(rec *store.StepRecord, kind string, ev message.ModuleEvent, at time.Time) {
	msg := ev.Message
	if msg == "" && kind == message.ModuleEventError {
		msg = ev.ErrorMessage
	}
	rec.Events = append(rec.Events, store.StepEventRecord{
		Kind:     kind,
		At:       at,
		Message:  msg,
		Duration: ev.Duration,
	})
}

func (t *Tracker) noteStartLocked(at time.Time, ev message.ModuleEvent) {
	if t.startedAt == nil {
		started := at
		t.startedAt = &started
	}
	if t.status == message.StatusPending {
		t.setStatusLocked(message.StatusRunning, "analysis started")
	}
	t.noteMessageLocked(ev)
}

func (t *Tracker) noteMessageLocked(ev message.ModuleEvent) {
	if ev.Message != "" {
		t.lastMessage = ev.Message
	}
}

// pendingStatus carries a task-status transition out of the critical
// section so it can be broadcast after unlock.
type pendingStatus struct {
	update message.TaskStatusUpdate
}

func (t *Tracker) setStatusLocked(status message.TaskStatus, msg string) {
	if t.status == status {
		return
	}
	t.status = status
	if msg != "" {
		t.lastMessage = msg
	}
	metrics.ObserveTaskTransition(string(status))
	now := t.clock.Now()
	t.statusDirty = &pendingStatus{update: message.TaskStatusUpdate{
		AnalysisID: t.id,
		Status:     status,
		Message:    msg,
		Timestamp:  float64(now.UnixNano()) / float64(time.Second),
	}}
}

func (t *Tracker) pendingStatusLocked() (message.TaskStatusUpdate, bool) {
	if t.statusDirty == nil {
		return message.TaskStatusUpdate{}, false
	}
	upd := t.statusDirty.update
	t.statusDirty = nil
	return upd, true
}

func (t *Tracker) currentIndexLocked() int {
	running := -1
	lastTouched := -1
	for i := range t.plan {
		rec := t.steps[i]
		if rec == nil {
			continue
		}
		if rec.Status == store.StepRunning {
			running = i
		}
		if rec.Status != store.StepPending {
			lastTouched = i
		}
	}
	if running >= 0 {
		return running
	}
	if lastTouched >= 0 && lastTouched+1 < len(t.plan) && !t.status.Terminal() {
		if rec := t.steps[lastTouched]; rec != nil && rec.Status == store.StepCompleted {
			return lastTouched + 1
		}
	}
	if lastTouched >= 0 {
		return lastTouched
	}
	return 0
}

func (t *Tracker) snapshotLocked() Snapshot {
	idx := t.currentIndexLocked()
	snap := Snapshot{
		AnalysisID:         t.id,
		Status:             t.status,
		CurrentStep:        idx,
		TotalSteps:         len(t.plan),
		CurrentStepName:    t.plan[idx].Name,
		CurrentStepDisplay: t.plan[idx].DisplayName,
		ProgressPercentage: t.progressLocked(),
		ElapsedSeconds:     t.elapsedLocked(),
		RemainingSeconds:   t.remainingLocked(),
		LastMessage:        t.lastMessage,
	}
	return snap
}

func (t *Tracker) progressLocked() float64 {
	var total, done float64
	for i := range t.plan {
		total += t.weights[i]
		if rec := t.steps[i]; rec != nil && rec.Status == store.StepCompleted {
			done += t.weights[i]
		}
	}
	if total == 0 {
		return 0
	}
	return done / total * 100
}

// elapsedLocked excludes paused intervals: pausing for T seconds then
// resuming does not grow elapsed time by T.
func (t *Tracker) elapsedLocked() float64 {
	if t.startedAt == nil {
		return 0
	}
	end := t.clock.Now()
	if t.finishedAt != nil {
		end = *t.finishedAt
	}
	paused := t.pausedTotal
	if t.pausedAt != nil {
		paused += end.Sub(*t.pausedAt)
	}
	elapsed := end.Sub(*t.startedAt) - paused
	if elapsed < 0 {
		return 0
	}
	return elapsed.Seconds()
}

// remainingLocked extrapolates the mean elapsed time of completed steps
// onto the remaining planned steps, reporting 0 until the first step
// completes.
func (t *Tracker) remainingLocked() float64 {
	var completed int
	var sum float64
	for i := range t.plan {
		if rec := t.steps[i]; rec != nil && rec.Status == store.StepCompleted {
			completed++
			sum += rec.ElapsedSeconds
		}
	}
	if completed == 0 {
		return 0
	}
	remaining := len(t.plan) - completed
	if remaining <= 0 {
		return 0
	}
	return sum / float64(completed) * float64(remaining)
}

func (t *Tracker) taskRecordLocked() store.TaskRecord {
	return store.TaskRecord{
		AnalysisID:    t.id,
		Status:        t.status,
		StockSymbol:   t.symbol,
		StartedAt:     t.startedAt,
		FinishedAt:    t.finishedAt,
		PausedSeconds: t.pausedTotal.Seconds(),
		LastMessage:   t.lastMessage,
		UpdatedAt:     t.clock.Now(),
	}
}

// persist writes through outside the critical section; failures degrade
// to logged warnings so a slow store cannot stall event handling.
func (t *Tracker) persist(ctx context.Context, task store.TaskRecord, step *store.StepRecord) {
	if t.repo == nil {
		return
	}
	if err := t.repo.UpsertTask(ctx, task); err != nil {
		t.logger.Warn("persist task failed", zap.Error(err))
	}
	if step != nil {
		if err := t.repo.UpsertStep(ctx, *step); err != nil {
			t.logger.Warn("persist step failed", zap.Int("step_index", step.StepIndex), zap.Error(err))
		}
	}
}

func (t *Tracker) broadcast(ctx context.Context, snap Snapshot, statusUpd message.TaskStatusUpdate, statusChanged bool) {
	if t.broadcaster == nil {
		return
	}
	t.broadcaster.PublishProgress(ctx, message.TaskProgress{
		AnalysisID:             snap.AnalysisID,
		CurrentStep:            snap.CurrentStep,
		TotalSteps:             snap.TotalSteps,
		ProgressPercentage:     snap.ProgressPercentage,
		CurrentStepName:        snap.CurrentStepName,
		CurrentStepDescription: snap.CurrentStepDisplay,
		ElapsedTime:            snap.ElapsedSeconds,
		RemainingTime:          snap.RemainingSeconds,
		LastMessage:            snap.LastMessage,
	})
	if statusChanged {
		t.broadcaster.PublishStatus(ctx, statusUpd)
	}
}
