// Package engine runs the decision pipeline: validate an opportunity, check
// the circuit breaker, price a bid, analyze profit and apply the admission
// gate. Outcomes reported by the executor flow back into the breaker and the
// bidding history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/pkg/bidding"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/profit"
	"github.com/mev-engine/arb-economics/pkg/risk"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// Stage names the pipeline step a decision stopped at
type Stage string

const (
	StageValidation   Stage = "validation"
	StageBreaker      Stage = "circuit_breaker"
	StageAnalysis     Stage = "analysis"
	StagePreExecution Stage = "pre_execution"
	StageApproved     Stage = "approved"
)

// Signals are the market conditions a bid is priced against, both in [0, 1]
type Signals struct {
	Competition float64 `json:"competition"`
	Urgency     float64 `json:"urgency"`
}

// SignalsFromMetrics derives the competition score from raw metrics
func SignalsFromMetrics(metrics types.CompetitionMetrics, urgency float64) Signals {
	return Signals{Competition: bidding.CompetitionScore(metrics), Urgency: urgency}
}

// Config holds the per-strategy settings the pipeline applies
type Config struct {
	Cost        types.CostConfig      `mapstructure:"cost"`
	Risk        types.RiskCheckConfig `mapstructure:"risk"`
	CapitalTier types.CapitalTier     `mapstructure:"capital_tier"`

	// AvailableCapital enables per-opportunity flash-loan decisions and trade
	// sizing. Zero keeps Cost.UseFlashLoan as configured.
	AvailableCapital int64   `mapstructure:"available_capital"`
	RiskTolerance    float64 `mapstructure:"risk_tolerance"`
}

// Validate checks the pipeline config
func (c Config) Validate() error {
	if !c.CapitalTier.Valid() {
		return fmt.Errorf("unknown capital tier %q", c.CapitalTier)
	}
	if c.AvailableCapital < 0 {
		return fmt.Errorf("available capital must not be negative")
	}
	if c.RiskTolerance < 0 || c.RiskTolerance > 1 {
		return fmt.Errorf("risk tolerance %v must be in [0, 1]", c.RiskTolerance)
	}
	return nil
}

// Decision is the outcome of evaluating one opportunity
type Decision struct {
	Execute           bool                        `json:"execute"`
	Stage             Stage                       `json:"stage"`
	Reason            string                      `json:"reason,omitempty"`
	Opportunity       *types.ArbitrageOpportunity `json:"opportunity,omitempty"`
	Bid               int64                       `json:"bid"`
	Quote             *bidding.Quote              `json:"quote,omitempty"`
	CostConfig        types.CostConfig            `json:"cost_config"`
	Analysis          *types.ProfitAnalysis       `json:"analysis,omitempty"`
	RiskCheck         *types.RiskCheckResult      `json:"risk_check,omitempty"`
	RiskLevel         types.RiskLevel             `json:"risk_level,omitempty"`
	RiskScore         int                         `json:"risk_score"`
	RecommendedAmount int64                       `json:"recommended_amount,omitempty"`
	TipSource         types.SnapshotSource        `json:"tip_source,omitempty"`
	EvaluatedAt       time.Time                   `json:"evaluated_at"`
}

// Outcome is an execution report from the transaction executor
type Outcome struct {
	BundleID  string    `json:"bundle_id"`
	TokenPair string    `json:"token_pair"`
	Success   bool      `json:"success"`
	Bid       int64     `json:"bid"`
	Profit    int64     `json:"profit"` // realized, when successful
	Cost      int64     `json:"cost"`   // lamports spent, when failed
	Signature string    `json:"signature,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver reports stage outcomes and bids
func WithObserver(observer interfaces.EngineObserver) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithAlerts raises an alert when bids are priced from fallback tip data
func WithAlerts(alerts interfaces.AlertManager) Option {
	return func(e *Engine) {
		e.alerts = alerts
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces the wall clock used to stamp decisions and outcomes
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine owns one strategy's decision components. The breaker and bidding
// history are shared mutable state; everything else is pure.
type Engine struct {
	config   Config
	gate     *risk.Gate
	analyzer *profit.Analyzer
	breaker  *circuit.Breaker
	bidder   *bidding.Optimizer

	observer interfaces.EngineObserver
	alerts   interfaces.AlertManager
	logger   *zap.Logger
	now      func() time.Time
}

// New assembles an engine from its components
func New(config Config, gate *risk.Gate, analyzer *profit.Analyzer, breaker *circuit.Breaker, bidder *bidding.Optimizer, opts ...Option) (*Engine, error) {
	if gate == nil || analyzer == nil || breaker == nil || bidder == nil {
		return nil, errors.New("engine requires a gate, analyzer, breaker and bidder")
	}
	if config.CapitalTier == "" {
		config.CapitalTier = types.CapitalSmall
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		config:   config,
		gate:     gate,
		analyzer: analyzer,
		breaker:  breaker,
		bidder:   bidder,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the pipeline settings
func (e *Engine) Config() Config { return e.config }

// Breaker returns the circuit breaker
func (e *Engine) Breaker() *circuit.Breaker { return e.breaker }

// Bidder returns the bidding optimizer
func (e *Engine) Bidder() *bidding.Optimizer { return e.bidder }

// Gate returns the risk gate
func (e *Engine) Gate() *risk.Gate { return e.gate }

// Analyzer returns the profit analyzer
func (e *Engine) Analyzer() *profit.Analyzer { return e.analyzer }

// Evaluate runs one opportunity through the pipeline. Rejections are
// reported in the Decision; an error means a domain violation such as an
// invalid capital tier or cost parameters.
func (e *Engine) Evaluate(ctx context.Context, opportunity *types.ArbitrageOpportunity, signals Signals) (*Decision, error) {
	start := time.Now()
	decision, err := e.evaluate(ctx, opportunity, signals)
	if err != nil {
		return nil, err
	}
	e.observe(decision, time.Since(start))
	return decision, nil
}

func (e *Engine) evaluate(ctx context.Context, opportunity *types.ArbitrageOpportunity, signals Signals) (*Decision, error) {
	decision := &Decision{Opportunity: opportunity, EvaluatedAt: e.now()}

	if v := e.gate.ValidateOpportunity(opportunity); !v.Valid {
		return reject(decision, StageValidation, v.Reason), nil
	}

	if !e.breaker.CanAttempt() {
		return reject(decision, StageBreaker, e.breakerReason()), nil
	}

	quote, err := e.bidder.CalculateOptimalTip(ctx, opportunity.GrossProfit, signals.Competition, signals.Urgency, e.config.CapitalTier)
	if err != nil {
		return nil, fmt.Errorf("failed to price bid: %w", err)
	}
	decision.Quote = &quote
	decision.Bid = quote.Bid
	decision.TipSource = quote.Source
	if quote.Source == types.SourceFallback {
		e.raiseFallbackAlert(ctx)
	}

	decision.CostConfig = e.costConfigFor(opportunity)
	if e.config.AvailableCapital > 0 {
		decision.RecommendedAmount = e.gate.RecommendedAmount(opportunity, e.config.AvailableCapital, e.config.RiskTolerance)
	}

	analysis, err := e.analyzer.Analyze(opportunity, decision.CostConfig, quote.Bid)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze opportunity: %w", err)
	}
	decision.Analysis = analysis
	decision.RiskScore = risk.RiskScore(opportunity, analysis)
	decision.RiskLevel = risk.LevelForScore(decision.RiskScore)

	if !analysis.IsProfitable {
		return reject(decision, StageAnalysis,
			fmt.Sprintf("not profitable: net %d lamports after %d lamports of costs", analysis.NetProfit, analysis.TotalCost)), nil
	}

	check := e.gate.PreExecutionCheck(opportunity, analysis, e.config.Risk)
	decision.RiskCheck = &check
	if !check.Passed {
		return reject(decision, StagePreExecution, check.Reason), nil
	}

	decision.Execute = true
	decision.Stage = StageApproved
	return decision, nil
}

// SelectBest validates a batch, ranks the survivors at a single bid priced
// for the most profitable candidate, each with its own cost config, and
// returns the first that passes the full gate. The decision for a batch with no executable candidate carries
// the stage that eliminated the last one.
func (e *Engine) SelectBest(ctx context.Context, opportunities []*types.ArbitrageOpportunity, signals Signals) (*Decision, error) {
	start := time.Now()
	decision := &Decision{EvaluatedAt: e.now()}

	valid := make([]*types.ArbitrageOpportunity, 0, len(opportunities))
	var maxGross int64
	for _, opp := range opportunities {
		if e.gate.ValidateOpportunity(opp).Valid {
			valid = append(valid, opp)
			if opp.GrossProfit > maxGross {
				maxGross = opp.GrossProfit
			}
		}
	}
	if len(valid) == 0 {
		reject(decision, StageValidation, fmt.Sprintf("none of %d opportunities passed validation", len(opportunities)))
		e.observe(decision, time.Since(start))
		return decision, nil
	}

	if !e.breaker.CanAttempt() {
		reject(decision, StageBreaker, e.breakerReason())
		e.observe(decision, time.Since(start))
		return decision, nil
	}

	quote, err := e.bidder.CalculateOptimalTip(ctx, maxGross, signals.Competition, signals.Urgency, e.config.CapitalTier)
	if err != nil {
		return nil, fmt.Errorf("failed to price bid: %w", err)
	}
	if quote.Source == types.SourceFallback {
		e.raiseFallbackAlert(ctx)
	}

	ranked, err := e.rankCandidates(valid, quote.Bid)
	if err != nil {
		return nil, fmt.Errorf("failed to rank opportunities: %w", err)
	}

	decision.Quote = &quote
	decision.Bid = quote.Bid
	decision.TipSource = quote.Source
	decision.CostConfig = ranked[0].costConfig

	stage, reason := StageAnalysis, fmt.Sprintf("none of %d valid opportunities is profitable", len(valid))
	for _, r := range ranked {
		if !r.Analysis.IsProfitable {
			break
		}
		check := e.gate.PreExecutionCheck(r.Opportunity, r.Analysis, e.config.Risk)
		if !check.Passed {
			stage, reason = StagePreExecution, fmt.Sprintf("no profitable opportunity passed the gate, last: %s", check.Reason)
			continue
		}

		decision.Opportunity = r.Opportunity
		decision.CostConfig = r.costConfig
		decision.Analysis = r.Analysis
		decision.RiskCheck = &check
		decision.RiskScore = risk.RiskScore(r.Opportunity, r.Analysis)
		decision.RiskLevel = risk.LevelForScore(decision.RiskScore)
		if e.config.AvailableCapital > 0 {
			decision.RecommendedAmount = e.gate.RecommendedAmount(r.Opportunity, e.config.AvailableCapital, e.config.RiskTolerance)
		}
		decision.Execute = true
		decision.Stage = StageApproved
		e.observe(decision, time.Since(start))
		return decision, nil
	}

	reject(decision, stage, reason)
	e.observe(decision, time.Since(start))
	return decision, nil
}

// RecordOutcome feeds one execution report into the circuit breaker and the
// bundle history. It returns the bundle id, generated when the report has
// none.
func (e *Engine) RecordOutcome(ctx context.Context, outcome Outcome) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if outcome.TokenPair == "" {
		return "", errors.New("outcome has no token pair")
	}
	if outcome.Bid < 0 || outcome.Profit < 0 || outcome.Cost < 0 {
		return "", errors.New("outcome amounts must not be negative")
	}
	if outcome.BundleID == "" {
		outcome.BundleID = uuid.NewString()
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = e.now()
	}

	e.breaker.RecordTransaction(types.TransactionOutcome{
		Success:   outcome.Success,
		Profit:    outcome.Profit,
		Cost:      outcome.Cost,
		Signature: outcome.Signature,
		Error:     outcome.Error,
		Timestamp: outcome.Timestamp,
	})

	realized := int64(0)
	if outcome.Success {
		realized = outcome.Profit
	}
	if err := e.bidder.RecordBundleResult(types.BundleResult{
		BundleID:  outcome.BundleID,
		Success:   outcome.Success,
		Bid:       outcome.Bid,
		Profit:    realized,
		TokenPair: outcome.TokenPair,
		Timestamp: outcome.Timestamp,
	}); err != nil {
		return "", fmt.Errorf("failed to record bundle result: %w", err)
	}

	if e.observer != nil {
		m := e.breaker.Metrics()
		e.observer.ObserveBreakerState(string(e.breaker.Status()), m.HourlyProfit, m.HourlyLoss)
	}

	e.logger.Debug("execution outcome recorded",
		zap.String("bundle_id", outcome.BundleID),
		zap.String("token_pair", outcome.TokenPair),
		zap.Bool("success", outcome.Success),
		zap.Int64("bid", outcome.Bid))

	return outcome.BundleID, nil
}

// costConfigFor decides per opportunity whether to borrow when the engine
// knows its available capital
// candidate is a ranked opportunity with the cost config it was priced at
type candidate struct {
	types.RankedOpportunity
	costConfig types.CostConfig
}

// rankCandidates analyzes each opportunity at its own cost config, so a
// candidate that needs a flash loan carries the loan fee, and orders them by
// descending net profit
func (e *Engine) rankCandidates(opportunities []*types.ArbitrageOpportunity, bid int64) ([]candidate, error) {
	ranked := make([]candidate, 0, len(opportunities))
	for _, opp := range opportunities {
		costConfig := e.costConfigFor(opp)
		analysis, err := e.analyzer.Analyze(opp, costConfig, bid)
		if err != nil {
			return nil, fmt.Errorf("failed to analyze %s: %w", opp.TokenPair, err)
		}
		ranked = append(ranked, candidate{
			RankedOpportunity: types.RankedOpportunity{Opportunity: opp, Analysis: analysis},
			costConfig:        costConfig,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Analysis.NetProfit > ranked[j].Analysis.NetProfit
	})
	return ranked, nil
}

func (e *Engine) costConfigFor(opportunity *types.ArbitrageOpportunity) types.CostConfig {
	cfg := e.config.Cost
	if e.config.AvailableCapital <= 0 {
		return cfg
	}
	cfg.UseFlashLoan = e.gate.ShouldUseFlashLoan(opportunity.InputAmount, e.config.AvailableCapital, opportunity.GrossProfit)
	if cfg.UseFlashLoan {
		cfg.FlashLoanAmount = opportunity.InputAmount
	} else {
		cfg.FlashLoanAmount = 0
	}
	return cfg
}

func (e *Engine) breakerReason() string {
	if remaining := e.breaker.RemainingCooldown(); remaining > 0 {
		return fmt.Sprintf("circuit breaker open (%s cooldown remaining)", remaining.Round(time.Second))
	}
	return "circuit breaker open (manual reset required)"
}

func (e *Engine) raiseFallbackAlert(ctx context.Context) {
	if e.alerts == nil {
		return
	}
	err := e.alerts.SendAlert(ctx, &interfaces.Alert{
		Type:     interfaces.AlertTypeTipFeed,
		Severity: interfaces.AlertSeverityWarning,
		Message:  "bids priced from fallback tip snapshot",
	})
	if err != nil {
		e.logger.Warn("failed to raise tip feed alert", zap.Error(err))
	}
}

func (e *Engine) observe(d *Decision, elapsed time.Duration) {
	if d.Execute {
		e.logger.Debug("opportunity approved",
			zap.Int64("bid", d.Bid),
			zap.Int64("net_profit", d.Analysis.NetProfit),
			zap.String("risk_level", string(d.RiskLevel)))
	} else {
		e.logger.Debug("opportunity rejected",
			zap.String("stage", string(d.Stage)),
			zap.String("reason", d.Reason))
	}

	if e.observer == nil {
		return
	}
	e.observer.ObserveEvaluation(string(d.Stage), d.Execute, elapsed)
	if d.Execute {
		e.observer.ObserveBid(d.Bid, d.Analysis.NetProfit)
	}
}

func reject(d *Decision, stage Stage, reason string) *Decision {
	d.Execute = false
	d.Stage = stage
	d.Reason = reason
	return d
}
