// Package api exposes the HTTP interface for the progress service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/config"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/metrics"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/registry"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/tracker"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/ws"
)

// IDGenerator supplies analysis ids when the caller omits one.
type IDGenerator interface {
	NewID() (string, error)
}

// Server wires HTTP handlers to the registry and the WebSocket hub.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	hub      *ws.Hub
	idGen    IDGenerator
	logger   *zap.Logger
	upgrader websocket.Upgrader
	ready    func() bool
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness installs the readiness probe backing GET /readyz.
func WithReadiness(ready func() bool) Option {
	return func(s *Server) {
		if ready != nil {
			s.ready = ready
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	reg *registry.Registry,
	hub *ws.Hub,
	idGen IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: reg,
		hub:      hub,
		idGen:    idGen,
		logger:   logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from arbitrary origins in dev setups.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ready: func() bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/analyses", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.ServerTimeout()))
			r.Post("/", s.createAnalysis)
			r.Route("/{analysis_id}", func(r chi.Router) {
				r.Get("/status", s.getStatus)
				r.Get("/history", s.getHistory)
				r.Get("/steps", s.getSteps)
				r.Get("/current", s.getCurrentStep)
				r.Post("/pause", s.pauseAnalysis)
				r.Post("/resume", s.resumeAnalysis)
				r.Post("/stop", s.stopAnalysis)
				r.Delete("/", s.deleteAnalysis)
			})
		})
		// The upgrade hijacks the connection, which http.TimeoutHandler
		// forbids, so the stream route sits outside the timeout group.
		r.Get("/{analysis_id}/stream", s.streamAnalysis)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createAnalysisRequest struct {
	AnalysisID    string   `json:"analysis_id"`
	StockSymbol   string   `json:"stock_symbol"`
	Analysts      []string `json:"analysts"`
	ResearchDepth int      `json:"research_depth"`
}

func (s *Server) createAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	steps, err := plan.Build(req.Analysts, req.ResearchDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := req.AnalysisID
	if id == "" {
		id, err = s.idGen.NewID()
		if err != nil {
			s.logger.Error("generating analysis id failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate analysis id")
			return
		}
	}
	tr, err := s.registry.Register(r.Context(), id, steps, registry.WithStockSymbol(req.StockSymbol))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"analysis_id": id,
		"status":      tr.Status(),
		"total_steps": len(steps),
	})
}

func (s *Server) deleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysis_id")
	if err := s.registry.Unregister(r.Context(), id); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"analysis_id": id, "status": "unregistered"})
}

func (s *Server) pauseAnalysis(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.registry.Pause, "paused")
}

func (s *Server) resumeAnalysis(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.registry.Resume, "running")
}

func (s *Server) stopAnalysis(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.registry.Stop, "stopped")
}

func (s *Server) control(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, string) error,
	resulting string,
) {
	id := chi.URLParam(r, "analysis_id")
	if err := op(r.Context(), id); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"analysis_id": id, "status": resulting})
}

// writeControlError maps domain errors onto HTTP statuses: unknown jobs
// are 404, illegal transitions are 409, everything else is 500.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	var transitionErr *tracker.TransitionError
	switch {
	case errors.Is(err, registry.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "analysis not found")
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, transitionErr.Error())
	default:
		s.logger.Error("control operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) streamAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysis_id")
	if _, ok := s.registry.Lookup(id); !ok {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", zap.String("analysis_id", id), zap.Error(err))
		return
	}
	ws.NewClient(id, conn, s.hub, s.logger).Run()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
