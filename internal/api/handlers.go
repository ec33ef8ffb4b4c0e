package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/tracker"
)

// getStatus handles GET /v1/analyses/{analysis_id}/status. It returns
// {"progress": {...}} with the derived snapshot, or 404 when the job is
// not registered.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": tr.Snapshot()})
}

// getHistory handles GET /v1/analyses/{analysis_id}/history. The reply
// carries exactly one entry per planned step, including synthesized
// pending entries for steps not reached yet.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": tr.AnalysisID(),
		"steps":       tr.History(),
	})
}

// getSteps handles GET /v1/analyses/{analysis_id}/steps and returns the
// immutable planned step list.
func (s *Server) getSteps(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": tr.AnalysisID(),
		"steps":       tr.PlannedSteps(),
	})
}

// getCurrentStep handles GET /v1/analyses/{analysis_id}/current.
func (s *Server) getCurrentStep(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": tr.AnalysisID(),
		"current":     tr.CurrentStep(),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*tracker.Tracker, bool) {
	id := chi.URLParam(r, "analysis_id")
	tr, ok := s.registry.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "analysis not found")
		return nil, false
	}
	return tr, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The client is gone if this fails; nothing useful left to do.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseWriter records the status for logging while passing Flush and
// Hijack through so streaming upgrades keep working.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
