// Package redis implements a best-effort bus engine on Redis Pub/Sub.
// Messages published while a subscriber is disconnected are lost; the
// go-redis client reconnects and resubscribes on its own, so the gap is
// bounded by the outage. Per-channel delivery order is preserved because
// each subscription is drained by a single goroutine.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/bus"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
)

// Config captures the Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Engine publishes envelopes as JSON on Redis channels and maps "kind/*"
// patterns onto PSUBSCRIBE.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu       sync.RWMutex
	handlers []bus.Handler
}

// New creates a disconnected Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.Named("bus.redis"),
		subs:   make(map[string]*subscription),
	}
}

// Connect dials Redis and verifies the connection with a ping. Idempotent
// when already connected.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     e.cfg.Addr,
		Password: e.cfg.Password,
		DB:       e.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			e.logger.Warn("close redis client after failed ping", zap.Error(closeErr))
		}
		return fmt.Errorf("ping redis at %s: %w", e.cfg.Addr, err)
	}
	e.client = client
	e.logger.Info("connected", zap.String("addr", e.cfg.Addr))
	return nil
}

// Disconnect stops every subscription drain loop and closes the client.
func (e *Engine) Disconnect(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for topic, sub := range e.subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil {
			e.logger.Warn("close subscription", zap.String("topic", topic), zap.Error(err))
		}
		delete(e.subs, topic)
	}
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	if err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Publish sends the envelope as JSON on the topic channel. Delivery is
// best-effort: subscribers that are down miss the message.
func (e *Engine) Publish(ctx context.Context, topic string, env message.Envelope) error {
	client := e.currentClient()
	if client == nil {
		return bus.ErrNotConnected
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler. Wildcard patterns use PSUBSCRIBE so one
// subscription covers every job on a kind.
func (e *Engine) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	if h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return bus.ErrNotConnected
	}
	if sub, ok := e.subs[topic]; ok {
		sub.mu.Lock()
		sub.handlers = append(sub.handlers, h)
		sub.mu.Unlock()
		return nil
	}

	var pubsub *redis.PubSub
	if strings.Contains(topic, "*") {
		pubsub = e.client.PSubscribe(ctx, topic)
	} else {
		pubsub = e.client.Subscribe(ctx, topic)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		closeErr := pubsub.Close()
		if closeErr != nil {
			e.logger.Warn("close subscription after failed receive", zap.Error(closeErr))
		}
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{pubsub: pubsub, cancel: cancel, handlers: []bus.Handler{h}}
	e.subs[topic] = sub
	go e.drain(drainCtx, topic, sub)
	return nil
}

// Unsubscribe closes the topic's Redis subscription and drops its handlers.
func (e *Engine) Unsubscribe(_ context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[topic]
	if !ok {
		return nil
	}
	delete(e.subs, topic)
	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("close subscription %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the client is established.
func (e *Engine) Connected() bool {
	return e.currentClient() != nil
}

func (e *Engine) currentClient() *redis.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// drain delivers messages for one subscription in arrival order. The
// channel closes when the subscription is closed, which ends the loop.
func (e *Engine) drain(ctx context.Context, pattern string, sub *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.pubsub.Channel():
			if !ok {
				return
			}
			env, err := message.Decode([]byte(msg.Payload))
			if err != nil {
				e.logger.Warn("discarding undecodable message",
					zap.String("pattern", pattern),
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			sub.mu.RLock()
			handlers := append([]bus.Handler(nil), sub.handlers...)
			sub.mu.RUnlock()
			for _, h := range handlers {
				h(msg.Channel, env)
			}
		}
	}
}
