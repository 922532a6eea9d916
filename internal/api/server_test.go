package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/arb-economics/internal/config"
	"github.com/mev-engine/arb-economics/pkg/bidding"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/engine"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/metrics"
	"github.com/mev-engine/arb-economics/pkg/profit"
	"github.com/mev-engine/arb-economics/pkg/risk"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// Mock implementations for testing
type MockAlertManager struct {
	mock.Mock
}

func (m *MockAlertManager) SendAlert(ctx context.Context, alert *interfaces.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockAlertManager) GetActiveAlerts() ([]*interfaces.Alert, error) {
	args := m.Called()
	return args.Get(0).([]*interfaces.Alert), args.Error(1)
}

func (m *MockAlertManager) AcknowledgeAlert(alertID string) error {
	return m.Called(alertID).Error(0)
}

type testServer struct {
	server    *Server
	engine    *engine.Engine
	collector *metrics.Collector
	registry  *prometheus.Registry
	stream    *EventStream
}

func newTestServer(t *testing.T, alerts interfaces.AlertManager, serverCfg config.ServerConfig) *testServer {
	t.Helper()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry(nil, registry)
	stream := NewEventStream(nil)

	breaker, err := circuit.New(&circuit.Config{
		MaxConsecutiveFailures: 2,
		CooldownPeriod:         time.Minute,
		AutoRecovery:           true,
	}, circuit.WithListener(collector.OnBreakerTransition), circuit.WithListener(stream.OnBreakerTransition))
	require.NoError(t, err)

	gate, err := risk.NewGate(nil)
	require.NoError(t, err)
	analyzer, err := profit.NewAnalyzer(nil)
	require.NoError(t, err)
	bidder, err := bidding.NewOptimizer(nil, nil, bidding.WithObserver(collector))
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{
		Cost: types.CostConfig{SignatureCount: 3, ComputeUnits: 300_000, ComputeUnitPrice: 10_000},
		Risk: types.RiskCheckConfig{
			MinProfitThreshold: 50_000,
			MaxPriorityFee:     100_000,
			MaxBid:             200_000,
			MaxSlippage:        0.01,
			MinLiquidity:       20_000,
			MinROI:             50,
		},
	}, gate, analyzer, breaker, bidder, engine.WithObserver(collector))
	require.NoError(t, err)

	handlers := NewHandlers(eng, alerts, collector, registry, nil)
	return &testServer{
		server:    NewServer(serverCfg, handlers, stream, nil),
		engine:    eng,
		collector: collector,
		registry:  registry,
		stream:    stream,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.GetRouter().ServeHTTP(w, req)
	return w
}

func failure(pair string) engine.Outcome {
	return engine.Outcome{TokenPair: pair, Success: false, Bid: 10_000, Cost: 30_000}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "closed", health["breaker_state"])
	assert.Equal(t, Version, health["version"])
}

func TestBreakerLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodPost, "/api/v1/outcomes", failure("SOL/USDC"))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	w := ts.do(t, http.MethodGet, "/api/v1/breaker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status BreakerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, circuit.StateOpen, status.State)
	assert.Equal(t, 2, status.Metrics.ConsecutiveFailures)
	assert.True(t, status.ShouldBreak)
	assert.Contains(t, status.BreakReason, "consecutive failures")
	assert.Greater(t, status.RemainingCooldown, time.Duration(0))

	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Contains(t, w.Body.String(), `"degraded"`)

	w = ts.do(t, http.MethodGet, "/api/v1/breaker/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot circuit.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, circuit.StateOpen, snapshot.State)
	assert.Equal(t, 2, snapshot.Config.MaxConsecutiveFailures)

	w = ts.do(t, http.MethodPost, "/api/v1/breaker/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, circuit.StateClosed, status.State)
	assert.Equal(t, 0, status.Metrics.ConsecutiveFailures)
	assert.Equal(t, circuit.StateClosed, ts.engine.Breaker().Status())
}

func TestRecordOutcome(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	w := ts.do(t, http.MethodPost, "/api/v1/outcomes", engine.Outcome{
		BundleID:  "bundle-1",
		TokenPair: "SOL/USDC",
		Success:   true,
		Bid:       10_000,
		Profit:    400_000,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp OutcomeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bundle-1", resp.BundleID)
	assert.Equal(t, circuit.StateClosed, resp.BreakerState)

	w = ts.do(t, http.MethodPost, "/api/v1/outcomes", engine.Outcome{Success: true})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/outcomes", strings.NewReader(`{"token_pair": "SOL/USDC", "surprise": 1}`))
	rec := httptest.NewRecorder()
	ts.server.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/outcomes", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "empty")
}

func TestEvaluate(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	opp := &types.ArbitrageOpportunity{
		TokenPair:         "SOL/USDC",
		InputMint:         "So11111111111111111111111111111111111111112",
		OutputMint:        "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		InputAmount:       1_000_000_000,
		ExpectedOutput:    1_000_500_000,
		GrossProfit:       500_000,
		Route:             []string{"raydium", "orca"},
		PoolLiquidity:     100_000,
		EstimatedSlippage: 0.005,
		DiscoveredAt:      time.Now(),
	}

	w := ts.do(t, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{Opportunity: opp})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var decision engine.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Execute)
	assert.Equal(t, engine.StageApproved, decision.Stage)
	assert.Equal(t, int64(10_000), decision.Bid)
	assert.Equal(t, types.SourceFallback, decision.TipSource)

	stale := *opp
	stale.DiscoveredAt = time.Now().Add(-time.Minute)
	w = ts.do(t, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		Opportunities: []*types.ArbitrageOpportunity{&stale, opp},
	})
	require.Equal(t, http.StatusOK, w.Code)
	decision = engine.Decision{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Execute)
	assert.Equal(t, "SOL/USDC", decision.Opportunity.TokenPair)

	w = ts.do(t, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		Opportunities: []*types.ArbitrageOpportunity{&stale},
	})
	require.Equal(t, http.StatusOK, w.Code)
	decision = engine.Decision{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.False(t, decision.Execute)
	assert.Equal(t, engine.StageValidation, decision.Stage)

	w = ts.do(t, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	summary := ts.collector.Summary()
	assert.Equal(t, int64(3), summary.Evaluations)
	assert.Equal(t, int64(2), summary.Executed)
}

func TestGetTips(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/tips?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tips TipsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tips))
	assert.Equal(t, types.SourceFallback, tips.Source)
	assert.NotEmpty(t, tips.Error)
	assert.Equal(t, int64(10_000), tips.Lamports["p50"])
	assert.Equal(t, int64(36_000), tips.Lamports["p75"])
	assert.Equal(t, int64(10_000_000), tips.Lamports["p99"])
}

func TestGetHistory(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	w := ts.do(t, http.MethodPost, "/api/v1/outcomes", engine.Outcome{TokenPair: "SOL/USDC", Success: true, Bid: 20_000, Profit: 100_000})
	require.Equal(t, http.StatusAccepted, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/outcomes", engine.Outcome{TokenPair: "JUP/SOL", Success: false, Bid: 5_000, Cost: 5_000})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 2, all.Stats.TotalBundles)
	assert.ElementsMatch(t, []string{"SOL/USDC", "JUP/SOL"}, all.Pairs)

	w = ts.do(t, http.MethodGet, "/api/v1/history?pair=SOL/USDC&success_rate=0.9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pair HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	assert.Equal(t, 1, pair.Stats.TotalBundles)
	assert.Equal(t, 1.0, pair.Stats.SuccessRate)
	assert.Equal(t, int64(36_000), pair.RecommendedTip) // sparse history uses p75

	w = ts.do(t, http.MethodGet, "/api/v1/history?success_rate=0.9", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/history?pair=SOL/USDC&success_rate=2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/history?pair=SOL/USDC&success_rate=high", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlerts(t *testing.T) {
	alerts := new(MockAlertManager)
	alerts.On("GetActiveAlerts").Return([]*interfaces.Alert{
		{ID: "a1", Type: interfaces.AlertTypeCircuitBreaker, Severity: interfaces.AlertSeverityCritical, Message: "circuit breaker opened"},
	}, nil)
	alerts.On("AcknowledgeAlert", "a1").Return(nil)
	alerts.On("AcknowledgeAlert", "missing").Return(errors.New("alert with ID missing not found"))

	ts := newTestServer(t, alerts, config.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active []*interfaces.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "a1", active[0].ID)

	w = ts.do(t, http.MethodPost, "/api/v1/alerts/a1/ack", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/alerts/missing/ack", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	alerts.AssertExpectations(t)
}

func TestAlerts_Disabled(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMetricsAndSummary(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})
	ts.do(t, http.MethodPost, "/api/v1/outcomes", failure("SOL/USDC"))

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `arb_bundles_total{outcome="failed"} 1`)

	w = ts.do(t, http.MethodGet, "/api/v1/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary metrics.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.BundlesFailed)

	noMetrics := NewServer(config.ServerConfig{}, NewHandlers(ts.engine, nil, nil, nil, nil), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	noMetrics.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Burst"))

	// A different client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	ts.server.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{AllowedOrigins: []string{"https://ops.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	ts.server.GetRouter().ServeHTTP(w, req)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	ts.server.GetRouter().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{Host: "127.0.0.1", Port: 0})
	ctx := context.Background()

	require.NoError(t, ts.server.Start(ctx))
	assert.Error(t, ts.server.Start(ctx))

	resp, err := http.Get("http://" + ts.server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Stop(stopCtx))
	require.NoError(t, ts.server.Stop(stopCtx))
}

func TestEventStream_BreakerTransitions(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{Host: "127.0.0.1", Port: 0})
	ctx := context.Background()
	require.NoError(t, ts.server.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = ts.server.Stop(stopCtx)
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ts.server.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventTypeStatus, event.Type)
	require.Eventually(t, func() bool { return ts.stream.ConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := ts.engine.RecordOutcome(ctx, failure("SOL/USDC"))
		require.NoError(t, err)
	}

	var raw struct {
		Type EventType          `json:"type"`
		Data circuit.Transition `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&raw))
	assert.Equal(t, EventTypeTransition, raw.Type)
	assert.Equal(t, circuit.StateClosed, raw.Data.From)
	assert.Equal(t, circuit.StateOpen, raw.Data.To)
}
