// Package producer is the typed write side of the bus: each method
// assembles the payload for one message kind and performs exactly one
// publish through the router. The tracker broadcasts through this
// package, and pipeline modules use it to report their lifecycle.
package producer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/clock"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
)

// Producer publishes typed progress messages.
type Producer struct {
	router *router.Router
	clock  clock.Clock
	logger *zap.Logger
}

// New builds a Producer on top of a router.
func New(r *router.Router, clk clock.Clock, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		router: r,
		clock:  clk,
		logger: logger.Named("producer"),
	}
}

// PublishProgress sends one task.progress message. It returns whether the
// message reached the transport.
func (p *Producer) PublishProgress(ctx context.Context, prog message.TaskProgress) bool {
	return p.publish(ctx, message.KindTaskProgress, prog.Payload())
}

// PublishStatus sends one task.status message, stamping the payload
// timestamp when the caller left it unset.
func (p *Producer) PublishStatus(ctx context.Context, upd message.TaskStatusUpdate) bool {
	if upd.Timestamp == 0 {
		upd.Timestamp = float64(p.clock.Now().UnixNano()) / float64(time.Second)
	}
	return p.publish(ctx, message.KindTaskStatus, upd.Payload())
}

// PublishModuleStart announces that a module began executing.
func (p *Producer) PublishModuleStart(ctx context.Context, ev message.ModuleEvent) bool {
	ev.Event = message.ModuleEventStart
	return p.publish(ctx, message.KindModuleStart, modulePayload(ev))
}

// PublishToolCall reports a tool invocation inside a running module. It
// rides on the module.start kind with the tool_calling sub-event.
func (p *Producer) PublishToolCall(ctx context.Context, ev message.ModuleEvent) bool {
	ev.Event = message.ModuleEventToolCalling
	return p.publish(ctx, message.KindModuleStart, modulePayload(ev))
}

// PublishModuleComplete announces a module finished successfully.
func (p *Producer) PublishModuleComplete(ctx context.Context, ev message.ModuleEvent) bool {
	ev.Event = message.ModuleEventComplete
	return p.publish(ctx, message.KindModuleComplete, modulePayload(ev))
}

// PublishModuleError announces a module failed.
func (p *Producer) PublishModuleError(ctx context.Context, ev message.ModuleEvent) bool {
	ev.Event = message.ModuleEventError
	return p.publish(ctx, message.KindModuleError, modulePayload(ev))
}

func (p *Producer) publish(ctx context.Context, kind message.Kind, payload map[string]any) bool {
	delivered, err := p.router.Publish(ctx, kind, payload)
	if err != nil {
		// The typed constructors above produce schema-clean payloads, so a
		// validation error here means a caller smuggled a bad value through
		// Extra. Surface it loudly but do not panic the pipeline.
		p.logger.Error("rejected by schema validation",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return false
	}
	return delivered
}

// modulePayload flattens a ModuleEvent into wire fields. Extra entries
// pass through but can never shadow the canonical fields.
func modulePayload(ev message.ModuleEvent) map[string]any {
	payload := make(map[string]any, len(ev.Extra)+8)
	for k, v := range ev.Extra {
		payload[k] = v
	}
	payload["analysis_id"] = ev.AnalysisID
	payload["module_name"] = ev.ModuleName
	payload["event"] = ev.Event
	if ev.StockSymbol != "" {
		payload["stock_symbol"] = ev.StockSymbol
	}
	if ev.Message != "" {
		payload["message"] = ev.Message
	}
	if ev.StepIndex >= 0 {
		payload["step_index"] = ev.StepIndex
	}
	switch ev.Event {
	case message.ModuleEventComplete:
		payload["duration"] = ev.Duration
	case message.ModuleEventToolCalling:
		if ev.Duration > 0 {
			payload["duration"] = ev.Duration
		}
	case message.ModuleEventError:
		payload["error_message"] = ev.ErrorMessage
	}
	return payload
}
