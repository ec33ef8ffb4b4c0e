// Package memory implements a synchronous process-local bus engine. It
// loses nothing only because it never leaves the process and does not
// survive a restart; per-topic delivery order matches publish order.
package memory

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/bus"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
)

// Engine fans out envelopes to subscribed handlers in the caller's
// goroutine. Exact topics and "kind/*" patterns are both supported.
type Engine struct {
	mu        sync.RWMutex
	connected bool
	subs      map[string][]bus.Handler
	logger    *zap.Logger
}

// New creates a disconnected Engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		subs:   make(map[string][]bus.Handler),
		logger: logger.Named("bus.memory"),
	}
}

// Connect marks the engine usable. Idempotent.
func (e *Engine) Connect(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

// Disconnect drops all subscriptions. Safe to call when not connected.
func (e *Engine) Disconnect(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.subs = make(map[string][]bus.Handler)
	return nil
}

// Publish delivers env synchronously to every matching handler. A panic in
// one handler is recovered and logged so the remaining handlers still run.
func (e *Engine) Publish(_ context.Context, topic string, env message.Envelope) error {
	e.mu.RLock()
	if !e.connected {
		e.mu.RUnlock()
		return bus.ErrNotConnected
	}
	var matched []bus.Handler
	for pattern, handlers := range e.subs {
		if message.MatchTopic(pattern, topic) {
			matched = append(matched, handlers...)
		}
	}
	e.mu.RUnlock()

	for _, h := range matched {
		e.safeCall(h, topic, env)
	}
	return nil
}

// Subscribe registers a handler for an exact topic or a "kind/*" pattern.
func (e *Engine) Subscribe(_ context.Context, topic string, h bus.Handler) error {
	if h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return bus.ErrNotConnected
	}
	e.subs[topic] = append(e.subs[topic], h)
	return nil
}

// Unsubscribe removes every handler registered for topic.
func (e *Engine) Unsubscribe(_ context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, topic)
	return nil
}

// Connected reports whether Connect has been called.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Engine) safeCall(h bus.Handler, topic string, env message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscriber panicked",
				zap.String("topic", topic),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	h(topic, env)
}
