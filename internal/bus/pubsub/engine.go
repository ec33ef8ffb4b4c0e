// Package pubsub implements an at-least-once bus engine on Google Cloud
// Pub/Sub. All logical topics travel over one provisioned topic and
// subscription; the logical topic rides in a message attribute and a
// single Receive loop dispatches by attribute. Redeliveries are possible
// and are absorbed downstream by tracker idempotence.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/bus"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
)

const (
	attrTopic = "topic"
	attrKind  = "kind"
)

// Config identifies the provisioned Pub/Sub resources.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// Engine is the Cloud Pub/Sub transport.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	client   *pubsub.Client
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	cancel   context.CancelFunc
	handlers map[string][]bus.Handler
}

// New creates a disconnected Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.Named("bus.pubsub"),
		handlers: make(map[string][]bus.Handler),
	}
}

// Connect creates the client, verifies the provisioned topic and
// subscription exist, and starts the receive loop. Idempotent when
// already connected.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client, err := pubsub.NewClient(ctx, e.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(e.cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		e.closeClientLocked(client)
		return fmt.Errorf("check topic %q: %w", e.cfg.TopicID, err)
	}
	if !ok {
		e.closeClientLocked(client)
		return fmt.Errorf("pubsub topic %q does not exist in project %q", e.cfg.TopicID, e.cfg.ProjectID)
	}
	sub := client.Subscription(e.cfg.SubscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		e.closeClientLocked(client)
		return fmt.Errorf("check subscription %q: %w", e.cfg.SubscriptionID, err)
	}
	if !ok {
		e.closeClientLocked(client)
		return fmt.Errorf("pubsub subscription %q does not exist in project %q", e.cfg.SubscriptionID, e.cfg.ProjectID)
	}

	// One in-flight message at a time keeps per-job delivery close to
	// publish order. Throughput is bounded by tracker work, not volume.
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	receiveCtx, cancel := context.WithCancel(context.Background())
	e.client = client
	e.topic = topic
	e.sub = sub
	e.cancel = cancel
	go e.receive(receiveCtx)
	e.logger.Info("connected",
		zap.String("project", e.cfg.ProjectID),
		zap.String("topic", e.cfg.TopicID),
		zap.String("subscription", e.cfg.SubscriptionID),
	)
	return nil
}

// Disconnect stops the receive loop and releases the client.
func (e *Engine) Disconnect(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	e.cancel()
	e.topic.Stop()
	err := e.client.Close()
	e.client = nil
	e.topic = nil
	e.sub = nil
	e.handlers = make(map[string][]bus.Handler)
	if err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// Publish sends the envelope with the logical topic and kind as message
// attributes, waiting for the broker ack so transport failures surface
// within the caller's deadline. Trace context is injected into the
// attributes for downstream correlation.
func (e *Engine) Publish(ctx context.Context, topic string, env message.Envelope) error {
	e.mu.Lock()
	t := e.topic
	e.mu.Unlock()
	if t == nil {
		return bus.ErrNotConnected
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			attrTopic: topic,
			attrKind:  string(env.Type),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	result := t.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a logical topic or "kind/*" pattern.
// No broker call is needed; dispatch happens attribute-side.
func (e *Engine) Subscribe(_ context.Context, topic string, h bus.Handler) error {
	if h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return bus.ErrNotConnected
	}
	e.handlers[topic] = append(e.handlers[topic], h)
	return nil
}

// Unsubscribe drops the handlers for a logical topic.
func (e *Engine) Unsubscribe(_ context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, topic)
	return nil
}

// Connected reports whether the client is established.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client != nil
}

func (e *Engine) receive(ctx context.Context) {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if sub == nil {
		return
	}
	err := sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		e.dispatch(msg)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Error("receive loop terminated", zap.Error(err))
	}
}

func (e *Engine) dispatch(msg *pubsub.Message) {
	logicalTopic := msg.Attributes[attrTopic]
	if logicalTopic == "" {
		e.logger.Warn("discarding message without topic attribute", zap.String("id", msg.ID))
		return
	}
	env, err := message.Decode(msg.Data)
	if err != nil {
		e.logger.Warn("discarding undecodable message",
			zap.String("topic", logicalTopic),
			zap.Error(err),
		)
		return
	}
	e.mu.Lock()
	var matched []bus.Handler
	for pattern, handlers := range e.handlers {
		if message.MatchTopic(pattern, logicalTopic) {
			matched = append(matched, handlers...)
		}
	}
	e.mu.Unlock()
	for _, h := range matched {
		h(logicalTopic, env)
	}
}

func (e *Engine) closeClientLocked(client *pubsub.Client) {
	if err := client.Close(); err != nil {
		e.logger.Warn("close pubsub client after failed connect", zap.Error(err))
	}
}

// attributeCarrier implements propagation.TextMapCarrier over Pub/Sub
// message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
