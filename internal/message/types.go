package message

import (
	"fmt"
)

// TaskStatus enumerates the job lifecycle states carried on task.status
// messages.
type TaskStatus string

// Job lifecycle states on the wire.
const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusStopped   TaskStatus = "stopped"
)

// ValidTaskStatus reports whether s is a known lifecycle state.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Module lifecycle event names carried in the "event" payload field.
// ToolCalling rides on the module.start kind as a sub-event of a running
// module.
const (
	ModuleEventStart       = "start"
	ModuleEventToolCalling = "tool_calling"
	ModuleEventComplete    = "complete"
	ModuleEventError       = "error"
)

// ModuleEvent is the typed view of a module.start / module.complete /
// module.error payload.
type ModuleEvent struct {
	AnalysisID   string
	ModuleName   string
	Event        string
	StockSymbol  string
	Duration     float64
	ErrorMessage string
	// StepIndex is the explicit step override, or -1 when the pipeline
	// left step resolution to the module-name mapping.
	StepIndex int
	Message   string
	Extra     map[string]any
}

// ModuleEventFromEnvelope decodes a module.* envelope into its typed form,
// verifying the event name is legal for the envelope's kind.
func ModuleEventFromEnvelope(env Envelope) (ModuleEvent, error) {
	ev := ModuleEvent{StepIndex: -1, Extra: map[string]any{}}
	var ok bool
	if ev.AnalysisID, ok = env.Payload["analysis_id"].(string); !ok {
		return ModuleEvent{}, fmt.Errorf("module event missing analysis_id")
	}
	if ev.ModuleName, ok = env.Payload["module_name"].(string); !ok {
		return ModuleEvent{}, fmt.Errorf("module event missing module_name")
	}
	if ev.Event, ok = env.Payload["event"].(string); !ok {
		return ModuleEvent{}, fmt.Errorf("module event missing event")
	}
	if err := checkModuleEventKind(env.Type, ev.Event); err != nil {
		return ModuleEvent{}, err
	}
	ev.StockSymbol, _ = env.Payload["stock_symbol"].(string)
	ev.Message, _ = env.Payload["message"].(string)
	ev.ErrorMessage, _ = env.Payload["error_message"].(string)
	if dur, found := env.Payload["duration"]; found {
		ev.Duration = asFloat(dur)
	}
	if idx, found := env.Payload["step_index"]; found {
		ev.StepIndex = int(asFloat(idx))
	}
	for k, v := range env.Payload {
		switch k {
		case "analysis_id", "module_name", "event", "stock_symbol", "message", "error_message", "duration", "step_index":
		default:
			ev.Extra[k] = v
		}
	}
	return ev, nil
}

func checkModuleEventKind(kind Kind, event string) error {
	var legal bool
	switch kind {
	case KindModuleStart:
		legal = event == ModuleEventStart || event == ModuleEventToolCalling
	case KindModuleComplete:
		legal = event == ModuleEventComplete
	case KindModuleError:
		legal = event == ModuleEventError
	default:
		return fmt.Errorf("%s is not a module event kind", kind)
	}
	if !legal {
		return fmt.Errorf("event %q is not legal on %s", event, kind)
	}
	return nil
}

// TaskProgress is the typed view of a task.progress payload.
type TaskProgress struct {
	AnalysisID             string
	CurrentStep            int
	TotalSteps             int
	ProgressPercentage     float64
	CurrentStepName        string
	CurrentStepDescription string
	ElapsedTime            float64
	RemainingTime          float64
	LastMessage            string
}

// Payload assembles the required task.progress fields.
func (p TaskProgress) Payload() map[string]any {
	return map[string]any{
		"analysis_id":              p.AnalysisID,
		"current_step":             p.CurrentStep,
		"total_steps":              p.TotalSteps,
		"progress_percentage":      p.ProgressPercentage,
		"current_step_name":        p.CurrentStepName,
		"current_step_description": p.CurrentStepDescription,
		"elapsed_time":             p.ElapsedTime,
		"remaining_time":           p.RemainingTime,
		"last_message":             p.LastMessage,
	}
}

// ProgressFromEnvelope decodes a task.progress envelope.
func ProgressFromEnvelope(env Envelope) (TaskProgress, error) {
	if env.Type != KindTaskProgress {
		return TaskProgress{}, fmt.Errorf("%s is not a task.progress envelope", env.Type)
	}
	id, ok := env.Payload["analysis_id"].(string)
	if !ok {
		return TaskProgress{}, fmt.Errorf("task.progress missing analysis_id")
	}
	p := TaskProgress{AnalysisID: id}
	p.CurrentStep = int(asFloat(env.Payload["current_step"]))
	p.TotalSteps = int(asFloat(env.Payload["total_steps"]))
	p.ProgressPercentage = asFloat(env.Payload["progress_percentage"])
	p.CurrentStepName, _ = env.Payload["current_step_name"].(string)
	p.CurrentStepDescription, _ = env.Payload["current_step_description"].(string)
	p.ElapsedTime = asFloat(env.Payload["elapsed_time"])
	p.RemainingTime = asFloat(env.Payload["remaining_time"])
	p.LastMessage, _ = env.Payload["last_message"].(string)
	return p, nil
}

// TaskStatusUpdate is the typed view of a task.status payload.
type TaskStatusUpdate struct {
	AnalysisID string
	Status     TaskStatus
	Message    string
	Timestamp  float64
}

// Payload assembles the required task.status fields.
func (s TaskStatusUpdate) Payload() map[string]any {
	return map[string]any{
		"analysis_id": s.AnalysisID,
		"status":      string(s.Status),
		"message":     s.Message,
		"timestamp":   s.Timestamp,
	}
}

// StatusFromEnvelope decodes a task.status envelope.
func StatusFromEnvelope(env Envelope) (TaskStatusUpdate, error) {
	if env.Type != KindTaskStatus {
		return TaskStatusUpdate{}, fmt.Errorf("%s is not a task.status envelope", env.Type)
	}
	id, ok := env.Payload["analysis_id"].(string)
	if !ok {
		return TaskStatusUpdate{}, fmt.Errorf("task.status missing analysis_id")
	}
	raw, _ := env.Payload["status"].(string)
	status := TaskStatus(raw)
	if !ValidTaskStatus(status) {
		return TaskStatusUpdate{}, fmt.Errorf("task.status carries unknown status %q", raw)
	}
	msg, _ := env.Payload["message"].(string)
	return TaskStatusUpdate{
		AnalysisID: id,
		Status:     status,
		Message:    msg,
		Timestamp:  asFloat(env.Payload["timestamp"]),
	}, nil
}

// asFloat normalizes the numeric types that survive JSON round-trips and
// direct in-process publishes.
func asFloat(val any) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
