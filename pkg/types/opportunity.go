package types

import "time"

// OpportunityTTL is how long a discovered opportunity stays actionable
const OpportunityTTL = 5000 * time.Millisecond

// ArbitrageOpportunity is an immutable snapshot produced by the scanner
type ArbitrageOpportunity struct {
	TokenPair         string    `json:"token_pair"`
	InputMint         string    `json:"input_mint"`
	OutputMint        string    `json:"output_mint"`
	InputAmount       int64     `json:"input_amount"`
	ExpectedOutput    int64     `json:"expected_output"`
	GrossProfit       int64     `json:"gross_profit"`
	Route             []string  `json:"route"`
	PoolLiquidity     float64   `json:"pool_liquidity"`     // USD
	EstimatedSlippage float64   `json:"estimated_slippage"` // fraction in [0,1]
	DiscoveredAt      time.Time `json:"discovered_at"`
}

// Age returns how long ago the opportunity was discovered relative to now
func (o *ArbitrageOpportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DiscoveredAt)
}

// ProfitAnalysis is the derived profitability of one opportunity at one bid
type ProfitAnalysis struct {
	GrossProfit  int64            `json:"gross_profit"`
	TotalCost    int64            `json:"total_cost"`
	NetProfit    int64            `json:"net_profit"`
	ROI          float64          `json:"roi"`        // percent
	CostRatio    float64          `json:"cost_ratio"` // total cost / gross profit
	IsProfitable bool             `json:"is_profitable"`
	Costs        TransactionCosts `json:"costs"`
}

// RankedOpportunity pairs an opportunity with its analysis
type RankedOpportunity struct {
	Opportunity *ArbitrageOpportunity `json:"opportunity"`
	Analysis    *ProfitAnalysis       `json:"analysis"`
}

// ProfitPoint is one sample of a profit-versus-bid curve
type ProfitPoint struct {
	Bid       int64   `json:"bid"`
	NetProfit int64   `json:"net_profit"`
	ROI       float64 `json:"roi"`
}

// ValidationResult is the outcome of the cheap sanity/freshness gate
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// RiskCheckConfig holds the admission thresholds for pre-execution checks
type RiskCheckConfig struct {
	MinProfitThreshold int64   `json:"min_profit_threshold" mapstructure:"min_profit_threshold"`
	MaxPriorityFee     int64   `json:"max_priority_fee" mapstructure:"max_priority_fee"`
	MaxBid             int64   `json:"max_bid" mapstructure:"max_bid"`
	MaxSlippage        float64 `json:"max_slippage" mapstructure:"max_slippage"`
	MinLiquidity       float64 `json:"min_liquidity" mapstructure:"min_liquidity"`
	MinROI             float64 `json:"min_roi" mapstructure:"min_roi"`
}

// RiskChecks is the per-check pass matrix
type RiskChecks struct {
	ProfitThreshold bool `json:"profit_threshold"`
	CostLimit       bool `json:"cost_limit"`
	Slippage        bool `json:"slippage"`
	Liquidity       bool `json:"liquidity"`
	ROI             bool `json:"roi"`
}

// All reports whether every check passed
func (c RiskChecks) All() bool {
	return c.ProfitThreshold && c.CostLimit && c.Slippage && c.Liquidity && c.ROI
}

// RiskCheckResult is the aggregate outcome of the pre-execution gate
type RiskCheckResult struct {
	Passed bool       `json:"passed"`
	Reason string     `json:"reason,omitempty"`
	Checks RiskChecks `json:"checks"`
}

// RiskLevel is the coarse risk tier of an opportunity
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// CapitalTier scales risk and bidding policy
type CapitalTier string

const (
	CapitalSmall  CapitalTier = "small"
	CapitalMedium CapitalTier = "medium"
	CapitalLarge  CapitalTier = "large"
)

// Valid reports whether the tier is one of the known values
func (t CapitalTier) Valid() bool {
	switch t {
	case CapitalSmall, CapitalMedium, CapitalLarge:
		return true
	}
	return false
}
