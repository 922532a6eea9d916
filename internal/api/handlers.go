package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/engine"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/metrics"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

const maxRequestBody = 1 << 20

// HealthResponse is served by the health endpoint
type HealthResponse struct {
	Status       string        `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
	Version      string        `json:"version"`
	Uptime       string        `json:"uptime"`
	BreakerState circuit.State `json:"breaker_state"`
	HealthScore  int           `json:"health_score"`
}

// BreakerStatus is the breaker view served to operators
type BreakerStatus struct {
	circuit.Snapshot
	HealthScore int    `json:"health_score"`
	ShouldBreak bool   `json:"should_break"`
	BreakReason string `json:"break_reason,omitempty"`
}

// TipsResponse carries a tip snapshot with lamport conversions
type TipsResponse struct {
	Snapshot types.TipSnapshot    `json:"snapshot"`
	Source   types.SnapshotSource `json:"source"`
	Error    string               `json:"error,omitempty"`
	Lamports map[string]int64     `json:"lamports"`
}

// HistoryResponse summarizes bundle history for one pair or all pairs
type HistoryResponse struct {
	TokenPair      string             `json:"token_pair,omitempty"`
	Stats          types.HistoryStats `json:"stats"`
	Pairs          []string           `json:"pairs"`
	SuccessRate    float64            `json:"desired_success_rate,omitempty"`
	RecommendedTip int64              `json:"recommended_tip,omitempty"`
}

// EvaluateRequest asks the engine to judge one opportunity, or to pick the
// best of several
type EvaluateRequest struct {
	Opportunity   *types.ArbitrageOpportunity   `json:"opportunity,omitempty"`
	Opportunities []*types.ArbitrageOpportunity `json:"opportunities,omitempty"`
	Signals       engine.Signals                `json:"signals"`
}

// OutcomeResponse acknowledges an execution report
type OutcomeResponse struct {
	BundleID     string        `json:"bundle_id"`
	BreakerState circuit.State `json:"breaker_state"`
}

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	engine    *engine.Engine
	alerts    interfaces.AlertManager
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	startTime time.Time
}

// NewHandlers creates a new handlers instance. collector and gatherer may be
// nil when metrics are disabled.
func NewHandlers(
	eng *engine.Engine,
	alerts interfaces.AlertManager,
	collector *metrics.Collector,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		engine:    eng,
		alerts:    alerts,
		collector: collector,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}
}

// HealthCheck reports liveness. An open breaker reports "degraded" but
// still answers 200.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	breaker := h.engine.Breaker()
	status := "healthy"
	if breaker.Status() != circuit.StateClosed {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       status,
		Timestamp:    time.Now(),
		Version:      Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		BreakerState: breaker.Status(),
		HealthScore:  breaker.HealthScore(),
	})
}

// Metrics serves the Prometheus exposition
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.gatherer == nil {
		writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	metrics.HandlerFor(h.gatherer).ServeHTTP(w, r)
}

// GetBreaker returns breaker state, metrics and health
func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakerStatus())
}

// ExportBreaker returns a snapshot suitable for restoring at startup
func (h *Handlers) ExportBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Breaker().Export())
}

// ResetBreaker forces the breaker closed and clears its counters
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.engine.Breaker().Reset()
	h.logger.Info("circuit breaker reset by operator", zap.String("client", getClientID(r)))
	writeJSON(w, http.StatusOK, h.breakerStatus())
}

func (h *Handlers) breakerStatus() BreakerStatus {
	breaker := h.engine.Breaker()
	decision := breaker.ShouldBreak()
	return BreakerStatus{
		Snapshot:    breaker.Export(),
		HealthScore: breaker.HealthScore(),
		ShouldBreak: decision.ShouldBreak,
		BreakReason: decision.Reason,
	}
}

// GetTips returns the current tip snapshot; ?refresh=true forces a fetch
func (h *Handlers) GetTips(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	result := h.engine.Bidder().FetchTipSnapshot(r.Context(), refresh)

	resp := TipsResponse{
		Snapshot: result.Snapshot,
		Source:   result.Source,
		Lamports: make(map[string]int64, 6),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	for _, p := range []int{25, 50, 75, 95, 99} {
		sol, _ := result.Snapshot.Percentile(p)
		resp.Lamports[fmt.Sprintf("p%d", p)] = types.Lamports(sol)
	}
	resp.Lamports["ema50"] = types.Lamports(result.Snapshot.EMA50)

	writeJSON(w, http.StatusOK, resp)
}

// GetHistory returns bundle statistics. ?pair= selects a token pair and
// ?success_rate= adds a recommended tip for it.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	bidder := h.engine.Bidder()
	pair := r.URL.Query().Get("pair")

	resp := HistoryResponse{
		TokenPair: pair,
		Stats:     bidder.HistoryStats(pair),
		Pairs:     bidder.History().Pairs(),
	}

	if raw := r.URL.Query().Get("success_rate"); raw != "" {
		if pair == "" {
			writeError(w, http.StatusBadRequest, "success_rate requires pair")
			return
		}
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid success_rate")
			return
		}
		tip, err := bidder.RecommendedTip(r.Context(), pair, rate)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp.SuccessRate = rate
		resp.RecommendedTip = tip
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetAlerts returns unacknowledged alerts, newest first
func (h *Handlers) GetAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeJSON(w, http.StatusOK, []*interfaces.Alert{})
		return
	}
	active, err := h.alerts.GetActiveAlerts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get alerts: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// AcknowledgeAlert marks an alert as handled
func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusNotFound, "alerts are disabled")
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.alerts.AcknowledgeAlert(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

// GetSummary returns the collector's activity summary
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.collector.Summary())
}

// Evaluate runs the decision pipeline for the executor
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		decision *engine.Decision
		err      error
	)
	switch {
	case len(req.Opportunities) > 0:
		decision, err = h.engine.SelectBest(r.Context(), req.Opportunities, req.Signals)
	case req.Opportunity != nil:
		decision, err = h.engine.Evaluate(r.Context(), req.Opportunity, req.Signals)
	default:
		writeError(w, http.StatusBadRequest, "opportunity or opportunities is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// RecordOutcome feeds an execution report back into the engine
func (h *Handlers) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome engine.Outcome
	if err := decodeBody(r, &outcome); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.engine.RecordOutcome(r.Context(), outcome)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, OutcomeResponse{
		BundleID:     id,
		BreakerState: h.engine.Breaker().Status(),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
