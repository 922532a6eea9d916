package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// Default gate settings
const (
	DefaultSOLPriceUSD       = 200.0
	DefaultFlashLoanMinSize  = 10 * types.LamportsPerSOL
	DefaultRiskTolerance     = 0.5
	flashLoanMaxProfitShare  = 0.3
	flashLoanProfitMultiple  = 10
	mediumRiskScoreThreshold = 25
	highRiskScoreThreshold   = 50
	maxRiskScore             = 100
)

// GateConfig configures the risk gate
type GateConfig struct {
	// MaxOpportunityAge is the freshness window; older opportunities are rejected
	MaxOpportunityAge time.Duration `mapstructure:"max_opportunity_age"`

	// SOLPriceUSD converts USD pool liquidity to lamports for trade sizing
	SOLPriceUSD float64 `mapstructure:"sol_price_usd"`

	// FlashLoanMinSize is the trade size above which a flash loan is preferred
	// when no other rule decides
	FlashLoanMinSize int64 `mapstructure:"flash_loan_min_size"`
}

// Option configures a Gate
type Option func(*Gate)

// WithClock replaces the wall clock used for freshness checks
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// Gate validates opportunities and runs the pre-execution admission checks.
// It holds no mutable state and is safe for concurrent use.
type Gate struct {
	config GateConfig
	now    func() time.Time
}

// NewGate creates a new risk gate
func NewGate(config *GateConfig, opts ...Option) (*Gate, error) {
	if config == nil {
		config = &GateConfig{}
	}
	cfg := *config
	if cfg.MaxOpportunityAge == 0 {
		cfg.MaxOpportunityAge = types.OpportunityTTL
	}
	if cfg.SOLPriceUSD == 0 {
		cfg.SOLPriceUSD = DefaultSOLPriceUSD
	}
	if cfg.FlashLoanMinSize == 0 {
		cfg.FlashLoanMinSize = DefaultFlashLoanMinSize
	}

	if cfg.MaxOpportunityAge < 0 {
		return nil, fmt.Errorf("max opportunity age must be positive, got %s", cfg.MaxOpportunityAge)
	}
	if cfg.SOLPriceUSD < 0 {
		return nil, fmt.Errorf("SOL price must be positive, got %v", cfg.SOLPriceUSD)
	}
	if cfg.FlashLoanMinSize < 0 {
		return nil, fmt.Errorf("flash loan minimum size must be positive, got %d", cfg.FlashLoanMinSize)
	}

	g := &Gate{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the effective gate configuration
func (g *Gate) Config() GateConfig {
	return g.config
}

// ValidateOpportunity runs the cheap sanity and freshness checks. It never
// fails; an invalid opportunity is reported through the result.
func (g *Gate) ValidateOpportunity(opportunity *types.ArbitrageOpportunity) types.ValidationResult {
	switch {
	case opportunity == nil:
		return invalid("opportunity is missing")
	case opportunity.InputMint == "" || opportunity.OutputMint == "":
		return invalid("token mints are incomplete")
	case opportunity.InputAmount <= 0:
		return invalid("input amount must be positive")
	case opportunity.ExpectedOutput <= opportunity.InputAmount:
		return invalid("expected output does not exceed input")
	case opportunity.GrossProfit <= 0:
		return invalid("gross profit must be positive")
	case len(opportunity.Route) == 0:
		return invalid("route is empty")
	case math.IsNaN(opportunity.PoolLiquidity) || math.IsInf(opportunity.PoolLiquidity, 0):
		return invalid(fmt.Sprintf("pool liquidity %v is not a finite number", opportunity.PoolLiquidity))
	case opportunity.PoolLiquidity <= 0:
		return invalid("pool liquidity must be positive")
	case math.IsNaN(opportunity.EstimatedSlippage) ||
		opportunity.EstimatedSlippage < 0 || opportunity.EstimatedSlippage > 1:
		return invalid(fmt.Sprintf("slippage %v outside [0, 1]", opportunity.EstimatedSlippage))
	}

	if age := opportunity.Age(g.now()); age > g.config.MaxOpportunityAge {
		return invalid(fmt.Sprintf("opportunity expired (%.1fs old)", age.Seconds()))
	}

	return types.ValidationResult{Valid: true}
}

func invalid(reason string) types.ValidationResult {
	return types.ValidationResult{Valid: false, Reason: reason}
}

// PreExecutionCheck runs every admission check. On failure the reason lists
// each failing check, not just the first.
func (g *Gate) PreExecutionCheck(opportunity *types.ArbitrageOpportunity, analysis *types.ProfitAnalysis, config types.RiskCheckConfig) types.RiskCheckResult {
	if opportunity == nil || analysis == nil {
		return types.RiskCheckResult{Passed: false, Reason: "opportunity or analysis is missing"}
	}

	priorityOK := analysis.Costs.PriorityFee <= config.MaxPriorityFee
	bidOK := analysis.Costs.Bid <= config.MaxBid

	checks := types.RiskChecks{
		ProfitThreshold: analysis.NetProfit >= config.MinProfitThreshold,
		CostLimit:       priorityOK && bidOK,
		Slippage:        opportunity.EstimatedSlippage <= config.MaxSlippage,
		Liquidity:       opportunity.PoolLiquidity >= config.MinLiquidity,
		ROI:             analysis.ROI >= config.MinROI,
	}

	result := types.RiskCheckResult{Passed: checks.All(), Checks: checks}
	if result.Passed {
		return result
	}

	var reasons []string
	if !checks.ProfitThreshold {
		reasons = append(reasons, fmt.Sprintf("net profit too low: %d < %d lamports", analysis.NetProfit, config.MinProfitThreshold))
	}
	if !priorityOK {
		reasons = append(reasons, fmt.Sprintf("priority fee too high: %d > %d lamports", analysis.Costs.PriorityFee, config.MaxPriorityFee))
	}
	if !bidOK {
		reasons = append(reasons, fmt.Sprintf("bid too high: %d > %d lamports", analysis.Costs.Bid, config.MaxBid))
	}
	if !checks.Slippage {
		reasons = append(reasons, fmt.Sprintf("slippage too high: %.2f%% > %.2f%%", opportunity.EstimatedSlippage*100, config.MaxSlippage*100))
	}
	if !checks.Liquidity {
		reasons = append(reasons, fmt.Sprintf("liquidity too low: $%.0f < $%.0f", opportunity.PoolLiquidity, config.MinLiquidity))
	}
	if !checks.ROI {
		reasons = append(reasons, fmt.Sprintf("ROI too low: %.2f%% < %.2f%%", analysis.ROI, config.MinROI))
	}
	result.Reason = strings.Join(reasons, "; ")

	return result
}

// RiskScore returns the weighted risk points of an opportunity, 0 to 100.
// Slippage weighs 30, liquidity 25, cost ratio 20, ROI 15, route length 10.
// A missing opportunity or analysis scores the maximum.
func RiskScore(opportunity *types.ArbitrageOpportunity, analysis *types.ProfitAnalysis) int {
	if opportunity == nil || analysis == nil {
		return maxRiskScore
	}
	score := 0

	switch {
	case opportunity.EstimatedSlippage > 0.02:
		score += 30
	case opportunity.EstimatedSlippage > 0.01:
		score += 15
	}

	switch {
	case opportunity.PoolLiquidity < 10_000:
		score += 25
	case opportunity.PoolLiquidity < 50_000:
		score += 12
	}

	switch {
	case analysis.CostRatio > 0.7:
		score += 20
	case analysis.CostRatio > 0.5:
		score += 10
	}

	switch {
	case analysis.ROI < 30:
		score += 15
	case analysis.ROI < 50:
		score += 7
	}

	switch hops := len(opportunity.Route); {
	case hops > 3:
		score += 10
	case hops > 2:
		score += 5
	}

	return score
}

// AssessRiskLevel maps the risk score to a tier
func AssessRiskLevel(opportunity *types.ArbitrageOpportunity, analysis *types.ProfitAnalysis) types.RiskLevel {
	if opportunity == nil || analysis == nil {
		return types.RiskHigh
	}
	return LevelForScore(RiskScore(opportunity, analysis))
}

// LevelForScore maps a raw risk score to low (<25), medium (25-49) or high
func LevelForScore(score int) types.RiskLevel {
	switch {
	case score >= highRiskScoreThreshold:
		return types.RiskHigh
	case score >= mediumRiskScoreThreshold:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}
