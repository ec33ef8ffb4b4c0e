package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	busmemory "github.com/ytwei72/TradingAgents-CN-sub000/internal/bus/memory"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/config"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/producer"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/registry"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/ws"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	ids  []string
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	if g.next >= len(g.ids) {
		return "", fmt.Errorf("out of ids")
	}
	id := g.ids[g.next]
	g.next++
	return id, nil
}

type testHarness struct {
	server   *Server
	producer *producer.Producer
	hub      *ws.Hub
}

func newTestHarness(t *testing.T, cfg config.Config) *testHarness {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	engine := busmemory.New(nil)
	require.NoError(t, engine.Connect(context.Background()))
	r := router.New(engine, clk, nil)
	prod := producer.New(r, clk, nil)

	reg, err := registry.New(registry.Config{
		Router:      r,
		Clock:       clk,
		Broadcaster: prod,
	})
	require.NoError(t, err)

	hub := ws.NewHub(nil)
	require.NoError(t, hub.Bind(context.Background(), r))

	idGen := &fakeIDGen{ids: []string{"generated-id"}}
	server := NewServer(reg, hub, idGen, cfg, zap.NewNop())
	return &testHarness{server: server, producer: prod, hub: hub}
}

func defaultTestConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 30},
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) createAnalysis(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, "/v1/analyses", []byte(body))
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_ReadyzUsesProbe(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	ready := false
	h.server.ready = func() bool { return ready }

	rec := h.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = h.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CreateAnalysis(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	rec := h.createAnalysis(t, `{"analysis_id":"a1","stock_symbol":"AAPL","research_depth":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		AnalysisID string `json:"analysis_id"`
		Status     string `json:"status"`
		TotalSteps int    `json:"total_steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "a1", resp.AnalysisID)
	require.Equal(t, "pending", resp.Status)
	require.Equal(t, 12, resp.TotalSteps)
}

func TestServer_CreateAnalysisGeneratesID(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	rec := h.createAnalysis(t, `{"stock_symbol":"AAPL"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "generated-id")
}

func TestServer_CreateAnalysisInvalidJSON(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	rec := h.createAnalysis(t, "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CreateAnalysisUnknownAnalyst(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	rec := h.createAnalysis(t, `{"analysis_id":"a1","analysts":["astrologer"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CreateAnalysisDuplicateConflicts(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	require.Equal(t, http.StatusCreated, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)
	require.Equal(t, http.StatusConflict, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)
}

func TestServer_StatusReflectsModuleEvents(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	require.Equal(t, http.StatusCreated, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)

	require.True(t, h.producer.PublishModuleStart(context.Background(), message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))

	rec := h.do(t, http.MethodGet, "/v1/analyses/a1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Progress struct {
			Status          string `json:"status"`
			CurrentStepName string `json:"current_step_name"`
			TotalSteps      int    `json:"total_steps"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "running", resp.Progress.Status)
	require.Equal(t, "market_analyst", resp.Progress.CurrentStepName)
	require.Equal(t, 12, resp.Progress.TotalSteps)
}

func TestServer_ReadEndpointsUnknownJob(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	for _, path := range []string{
		"/v1/analyses/missing/status",
		"/v1/analyses/missing/history",
		"/v1/analyses/missing/steps",
		"/v1/analyses/missing/current",
	} {
		rec := h.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestServer_HistoryHasEntryPerPlannedStep(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	require.Equal(t, http.StatusCreated, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)

	rec := h.do(t, http.MethodGet, "/v1/analyses/a1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Steps []json.RawMessage `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Steps, 12)
}

func TestServer_ControlFlow(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	require.Equal(t, http.StatusCreated, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)

	// Pause before the first module event is an illegal transition.
	rec := h.do(t, http.MethodPost, "/v1/analyses/a1/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	require.True(t, h.producer.PublishModuleStart(context.Background(), message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/analyses/a1/pause", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/analyses/a1/resume", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/analyses/a1/stop", nil).Code)

	// Stop is terminal; resume now conflicts.
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/analyses/a1/resume", nil).Code)
}

func TestServer_ControlUnknownJob(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	for _, path := range []string{
		"/v1/analyses/missing/pause",
		"/v1/analyses/missing/resume",
		"/v1/analyses/missing/stop",
	} {
		rec := h.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestServer_DeleteAnalysis(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	require.Equal(t, http.StatusCreated, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/v1/analyses/a1", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/analyses/a1/status", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/v1/analyses/a1", nil).Code)
}

func TestServer_APIKeyGuard(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	h := newTestHarness(t, cfg)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestServer_StreamUnknownJob(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	rec := h.do(t, http.MethodGet, "/v1/analyses/missing/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StreamDeliversProgress(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, defaultTestConfig())
	require.Equal(t, http.StatusCreated, h.createAnalysis(t, `{"analysis_id":"a1"}`).Code)

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/analyses/a1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The hub registers the client inside the handler goroutine; wait for
	// it before publishing.
	require.Eventually(t, func() bool {
		return h.hub.WatcherCount("a1") == 1
	}, time.Second, 10*time.Millisecond)

	require.True(t, h.producer.PublishModuleStart(context.Background(), message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := message.Decode(data)
	require.NoError(t, err)
	require.Equal(t, message.KindTaskProgress, env.Type)
	id, ok := env.AnalysisID()
	require.True(t, ok)
	require.Equal(t, "a1", id)
}
