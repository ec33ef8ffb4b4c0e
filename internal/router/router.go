// Package router validates envelopes on both sides of the bus: outbound
// payloads are schema-checked before transport, inbound envelopes are
// checked against the subscribed kind before a handler runs. Transport
// failures never propagate into the caller's control flow; they degrade
// to a logged delivered=false result.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/bus"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/clock"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/metrics"
)

const defaultPublishTimeout = 5 * time.Second

// Handler receives validated envelopes of the subscribed kind.
type Handler func(env message.Envelope)

// Router sits between typed producers/consumers and the transport engine.
type Router struct {
	engine         bus.Engine
	clock          clock.Clock
	logger         *zap.Logger
	publishTimeout time.Duration
}

// Option customizes a Router.
type Option func(*Router)

// WithPublishTimeout bounds how long a publish may block on a slow broker.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.publishTimeout = d
		}
	}
}

// New wires a Router to an engine and a clock.
func New(engine bus.Engine, clk clock.Clock, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		engine:         engine,
		clock:          clk,
		logger:         logger.Named("router"),
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish builds an envelope for kind from payload and hands it to the
// engine. Schema violations are returned to the caller; transport
// failures are logged and reported as delivered=false with a nil error,
// because delivery trouble must not abort the analysis pipeline.
func (r *Router) Publish(ctx context.Context, kind message.Kind, payload map[string]any) (bool, error) {
	env, err := message.Build(r.clock.Now(), kind, payload)
	if err != nil {
		return false, err
	}
	id, ok := env.AnalysisID()
	if !ok {
		return false, &message.SchemaError{Kind: kind, Field: "analysis_id", Reason: "is required"}
	}
	topic := message.Topic(kind, id)

	publishCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	if err := r.engine.Publish(publishCtx, topic, env); err != nil {
		r.logger.Warn("publish failed",
			zap.String("kind", string(kind)),
			zap.String("topic", topic),
			zap.Error(err),
		)
		metrics.ObservePublish(string(kind), false)
		return false, nil
	}
	metrics.ObservePublish(string(kind), true)
	return true, nil
}

// SubscribeOption narrows a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	analysisID string
}

// ForAnalysis restricts a subscription to a single job's topic instead of
// the kind-wide wildcard.
func ForAnalysis(id string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.analysisID = id
	}
}

// Subscribe registers h for every envelope of the given kind. Without
// options the subscription covers all jobs via the kind's wildcard
// pattern. Inbound envelopes whose type does not match the subscribed
// kind are dropped with a warning; that defends against topic collisions
// on shared transports.
func (r *Router) Subscribe(ctx context.Context, kind message.Kind, h Handler, opts ...SubscribeOption) error {
	if h == nil {
		return fmt.Errorf("subscribe %s: handler is required", kind)
	}
	topic := topicFor(kind, opts)
	wrapped := func(actual string, env message.Envelope) {
		if env.Type != kind {
			r.logger.Warn("dropping envelope with mismatched kind",
				zap.String("subscribed_kind", string(kind)),
				zap.String("envelope_kind", string(env.Type)),
				zap.String("topic", actual),
			)
			return
		}
		metrics.ObserveReceive(string(kind))
		h(env)
	}
	if err := r.engine.Subscribe(ctx, topic, wrapped); err != nil {
		return fmt.Errorf("subscribe %s on %s: %w", kind, topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription registered for the same kind and
// options.
func (r *Router) Unsubscribe(ctx context.Context, kind message.Kind, opts ...SubscribeOption) error {
	topic := topicFor(kind, opts)
	if err := r.engine.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("unsubscribe %s on %s: %w", kind, topic, err)
	}
	return nil
}

func topicFor(kind message.Kind, opts []SubscribeOption) string {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.analysisID != "" {
		return message.Topic(kind, o.analysisID)
	}
	return message.TopicPattern(kind)
}
