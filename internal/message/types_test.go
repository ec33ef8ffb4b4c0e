package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestModuleEventFromEnvelope decodes a complete event with extras and an
// explicit step override.
func TestModuleEventFromEnvelope(t *testing.T) {
	t.Parallel()

	env, err := Build(time.Now(), KindModuleComplete, map[string]any{
		"analysis_id":  "a1",
		"module_name":  "bull_researcher",
		"event":        ModuleEventComplete,
		"duration":     7.5,
		"step_index":   4,
		"stock_symbol": "AAPL",
		"round":        2,
	})
	require.NoError(t, err)

	ev, err := ModuleEventFromEnvelope(env)
	require.NoError(t, err)
	require.Equal(t, "a1", ev.AnalysisID)
	require.Equal(t, "bull_researcher", ev.ModuleName)
	require.Equal(t, 7.5, ev.Duration)
	require.Equal(t, 4, ev.StepIndex)
	require.Equal(t, "AAPL", ev.StockSymbol)
	require.Equal(t, map[string]any{"round": 2}, ev.Extra)
}

// TestModuleEventKindMismatch rejects event names that do not belong to
// the envelope's kind, e.g. a complete riding a module.start topic.
func TestModuleEventKindMismatch(t *testing.T) {
	t.Parallel()

	env := Envelope{Type: KindModuleStart, Payload: map[string]any{
		"analysis_id": "a1",
		"module_name": "trader",
		"event":       ModuleEventComplete,
	}}
	_, err := ModuleEventFromEnvelope(env)
	require.Error(t, err)
}

// TestToolCallingRidesModuleStart allows the tool_calling sub-event on the
// module.start kind.
func TestToolCallingRidesModuleStart(t *testing.T) {
	t.Parallel()

	env, err := Build(time.Now(), KindModuleStart, map[string]any{
		"analysis_id": "a1",
		"module_name": "market_analyst",
		"event":       ModuleEventToolCalling,
		"duration":    0.8,
	})
	require.NoError(t, err)

	ev, err := ModuleEventFromEnvelope(env)
	require.NoError(t, err)
	require.Equal(t, ModuleEventToolCalling, ev.Event)
	require.Equal(t, 0.8, ev.Duration)
}

// TestProgressRoundTrip exercises the typed payload builder and decoder,
// including the JSON float normalization of integer fields.
func TestProgressRoundTrip(t *testing.T) {
	t.Parallel()

	p := TaskProgress{
		AnalysisID:             "a1",
		CurrentStep:            2,
		TotalSteps:             5,
		ProgressPercentage:     40,
		CurrentStepName:        "trader",
		CurrentStepDescription: "Trader",
		ElapsedTime:            12.5,
		RemainingTime:          18.75,
		LastMessage:            "trading plan drafted",
	}
	env, err := Build(time.Now(), KindTaskProgress, p.Payload())
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	got, err := ProgressFromEnvelope(decoded)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

// TestStatusFromEnvelope validates the closed status enumeration.
func TestStatusFromEnvelope(t *testing.T) {
	t.Parallel()

	upd := TaskStatusUpdate{AnalysisID: "a1", Status: StatusPaused, Message: "operator pause", Timestamp: 1735732800}
	env, err := Build(time.Now(), KindTaskStatus, upd.Payload())
	require.NoError(t, err)

	got, err := StatusFromEnvelope(env)
	require.NoError(t, err)
	require.Equal(t, upd, got)

	env.Payload["status"] = "sleeping"
	_, err = StatusFromEnvelope(env)
	require.Error(t, err)
}

// TestTerminalStatuses pins down which states accept no further events.
func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusStopped.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.False(t, StatusPaused.Terminal())
	require.False(t, StatusPending.Terminal())
}
