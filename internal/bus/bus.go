// Package bus defines the transport abstraction every message travels
// through. Backends differ in delivery semantics: the in-memory engine is
// synchronous and process-local, Redis Pub/Sub is best-effort, and Google
// Cloud Pub/Sub is at-least-once. The differences are documented per
// backend rather than papered over.
package bus

import (
	"context"
	"errors"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
)

// ErrNotConnected signals an operation attempted before Connect succeeded
// or after Disconnect.
var ErrNotConnected = errors.New("bus engine is not connected")

// Handler receives every envelope delivered on a subscribed topic.
//
// Handler is a type alias so implementations can satisfy Engine without
// importing this package.
type Handler = func(topic string, env message.Envelope)

// Engine is the capability set every transport backend implements.
type Engine interface {
	// Connect establishes the transport connection. It is idempotent when
	// already connected.
	Connect(ctx context.Context) error
	// Disconnect releases resources. It is safe to call when not connected.
	Disconnect(ctx context.Context) error
	// Publish delivers one envelope to a topic. Errors describe transport
	// trouble only; callers convert them to logged best-effort failures.
	Publish(ctx context.Context, topic string, env message.Envelope) error
	// Subscribe registers a handler for a topic or a "kind/*" pattern.
	// Multiple handlers per topic are allowed and all receive every message.
	Subscribe(ctx context.Context, topic string, h Handler) error
	// Unsubscribe removes every handler registered for the topic.
	Unsubscribe(ctx context.Context, topic string) error
	// Connected reports whether the transport is currently usable.
	Connected() bool
}
