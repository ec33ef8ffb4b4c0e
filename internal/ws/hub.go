// Package ws streams progress envelopes to dashboard WebSocket clients.
// The hub holds one wildcard bus subscription per streamed kind and fans
// every envelope out to the clients watching that envelope's job.
package ws

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/metrics"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
)

// Hub maintains the set of connected clients per analysis id.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.Named("ws"),
		clients: make(map[string]map[*Client]struct{}),
	}
}

// streamedKinds are the message kinds forwarded to dashboards.
func streamedKinds() []message.Kind {
	return []message.Kind{message.KindTaskProgress, message.KindTaskStatus}
}

// Bind subscribes the hub to the streamed kinds across all jobs.
func (h *Hub) Bind(ctx context.Context, r *router.Router) error {
	for _, kind := range streamedKinds() {
		if err := r.Subscribe(ctx, kind, h.handleEnvelope); err != nil {
			return fmt.Errorf("bind ws hub: %w", err)
		}
	}
	return nil
}

// handleEnvelope fans one envelope out to the job's clients.
func (h *Hub) handleEnvelope(env message.Envelope) {
	id, ok := env.AnalysisID()
	if !ok {
		return
	}

	h.mu.RLock()
	watchers := make([]*Client, 0, len(h.clients[id]))
	for c := range h.clients[id] {
		watchers = append(watchers, c)
	}
	h.mu.RUnlock()
	if len(watchers) == 0 {
		return
	}

	data, err := env.Encode()
	if err != nil {
		h.logger.Warn("encoding envelope for stream failed", zap.Error(err))
		return
	}
	for _, c := range watchers {
		c.enqueue(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.AnalysisID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.AnalysisID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	metrics.IncWSClients()
	h.logger.Info("client connected",
		zap.String("analysis_id", c.AnalysisID),
		zap.Int("total", h.ClientCount()),
	)
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.AnalysisID]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.AnalysisID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.DecWSClients()
	h.logger.Info("client disconnected",
		zap.String("analysis_id", c.AnalysisID),
		zap.Int("total", h.ClientCount()),
	)
}

// ClientCount returns the number of connected clients across all jobs.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.clients {
		total += len(set)
	}
	return total
}

// WatcherCount returns the number of clients watching one job.
func (h *Hub) WatcherCount(analysisID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[analysisID])
}
