package profit

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mev-engine/arb-economics/pkg/cost"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// DefaultSlippageBuffer inflates expected slippage in conservative mode
const DefaultSlippageBuffer = 1.2

var (
	// ErrInvalidSlippage is returned for slippage outside [0, 1)
	ErrInvalidSlippage = errors.New("slippage must be in [0, 1)")

	// ErrInvalidRange is returned for an empty or inverted bid range
	ErrInvalidRange = errors.New("invalid bid range")

	// ErrNilOpportunity is returned when an opportunity is missing
	ErrNilOpportunity = errors.New("opportunity cannot be nil")
)

// AnalyzerConfig configures the profit analyzer
type AnalyzerConfig struct {
	// Conservative multiplies expected slippage by SlippageBuffer
	Conservative   bool    `mapstructure:"conservative"`
	SlippageBuffer float64 `mapstructure:"slippage_buffer"`
}

// Analyzer derives net profit and ROI from opportunities and fee parameters.
// It holds no mutable state and is safe for concurrent use.
type Analyzer struct {
	config AnalyzerConfig
}

// NewAnalyzer creates a new profit analyzer
func NewAnalyzer(config *AnalyzerConfig) (*Analyzer, error) {
	if config == nil {
		config = &AnalyzerConfig{}
	}
	cfg := *config
	if cfg.SlippageBuffer == 0 {
		cfg.SlippageBuffer = DefaultSlippageBuffer
	}
	if cfg.SlippageBuffer < 1 || math.IsNaN(cfg.SlippageBuffer) || math.IsInf(cfg.SlippageBuffer, 0) {
		return nil, fmt.Errorf("slippage buffer must be >= 1, got %v", cfg.SlippageBuffer)
	}
	return &Analyzer{config: cfg}, nil
}

// Config returns the effective analyzer configuration
func (a *Analyzer) Config() AnalyzerConfig {
	return a.config
}

// SlippageImpact returns the expected slippage loss as a non-positive amount
func (a *Analyzer) SlippageImpact(opportunity *types.ArbitrageOpportunity) int64 {
	if opportunity == nil || opportunity.GrossProfit <= 0 || opportunity.EstimatedSlippage <= 0 {
		return 0
	}

	loss := float64(opportunity.GrossProfit) * math.Min(opportunity.EstimatedSlippage, 1)
	if a.config.Conservative {
		loss *= a.config.SlippageBuffer
	}
	return -int64(math.Ceil(loss))
}

// ROI returns netProfit/totalCost as a percentage, or 0 when there is no cost
func ROI(netProfit, totalCost int64) float64 {
	if totalCost == 0 {
		return 0
	}
	return float64(netProfit) / float64(totalCost) * 100
}

// Analyze prices an opportunity at the given bid
func (a *Analyzer) Analyze(opportunity *types.ArbitrageOpportunity, config types.CostConfig, bid int64) (*types.ProfitAnalysis, error) {
	if opportunity == nil {
		return nil, ErrNilOpportunity
	}

	costs, err := cost.CalculateTotalCost(config, bid)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate costs: %w", err)
	}

	netProfit := opportunity.GrossProfit + a.SlippageImpact(opportunity) - costs.Total

	var costRatio float64
	if opportunity.GrossProfit > 0 {
		costRatio = float64(costs.Total) / float64(opportunity.GrossProfit)
	}

	return &types.ProfitAnalysis{
		GrossProfit:  opportunity.GrossProfit,
		TotalCost:    costs.Total,
		NetProfit:    netProfit,
		ROI:          ROI(netProfit, costs.Total),
		CostRatio:    costRatio,
		IsProfitable: netProfit > 0,
		Costs:        costs,
	}, nil
}

// ShouldExecute reports whether an analysis clears the profit and ROI floors
func ShouldExecute(analysis *types.ProfitAnalysis, minProfit int64, minROI float64) bool {
	if analysis == nil {
		return false
	}
	return analysis.IsProfitable && analysis.NetProfit >= minProfit && analysis.ROI >= minROI
}

// RankOpportunities analyzes every opportunity and orders them by descending
// net profit. Ties keep their input order.
func (a *Analyzer) RankOpportunities(opportunities []*types.ArbitrageOpportunity, config types.CostConfig, bid int64) ([]types.RankedOpportunity, error) {
	ranked := make([]types.RankedOpportunity, 0, len(opportunities))
	for _, opp := range opportunities {
		if opp == nil {
			continue
		}
		analysis, err := a.Analyze(opp, config, bid)
		if err != nil {
			return nil, fmt.Errorf("failed to analyze %s: %w", opp.TokenPair, err)
		}
		ranked = append(ranked, types.RankedOpportunity{Opportunity: opp, Analysis: analysis})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Analysis.NetProfit > ranked[j].Analysis.NetProfit
	})

	return ranked, nil
}

// BestOpportunity returns the highest-ranked opportunity that passes
// ShouldExecute, or nil when none does
func (a *Analyzer) BestOpportunity(opportunities []*types.ArbitrageOpportunity, config types.CostConfig, bid, minProfit int64, minROI float64) (*types.RankedOpportunity, error) {
	ranked, err := a.RankOpportunities(opportunities, config, bid)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		if ShouldExecute(ranked[i].Analysis, minProfit, minROI) {
			return &ranked[i], nil
		}
	}
	return nil, nil
}

// BreakEvenProfit returns the gross profit needed to cover all costs after
// slippage. Conservative mode also applies the slippage buffer.
func (a *Analyzer) BreakEvenProfit(config types.CostConfig, bid int64, slippage float64) (int64, error) {
	if slippage < 0 || slippage >= 1 || math.IsNaN(slippage) {
		return 0, fmt.Errorf("break-even at slippage %v: %w", slippage, ErrInvalidSlippage)
	}

	costs, err := cost.CalculateTotalCost(config, bid)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate costs: %w", err)
	}

	required := float64(costs.Total) / (1 - slippage)
	if a.config.Conservative {
		required *= a.config.SlippageBuffer
	}
	if required > math.MaxInt64 {
		return 0, cost.ErrOverflow
	}
	return int64(math.Ceil(required)), nil
}

// MaxAffordableTip returns the largest bid that still leaves minAcceptableProfit
func (a *Analyzer) MaxAffordableTip(opportunity *types.ArbitrageOpportunity, config types.CostConfig, minAcceptableProfit int64) (int64, error) {
	if opportunity == nil {
		return 0, ErrNilOpportunity
	}

	costs, err := cost.CalculateTotalCost(config, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate costs: %w", err)
	}

	affordable := opportunity.GrossProfit + a.SlippageImpact(opportunity) - costs.WithoutBid() - minAcceptableProfit
	if affordable < 0 {
		return 0, nil
	}
	return affordable, nil
}

// SimulateProfitCurve samples net profit at steps evenly spaced bids in
// [minBid, maxBid]. Bids are rounded up to whole lamports.
func (a *Analyzer) SimulateProfitCurve(opportunity *types.ArbitrageOpportunity, config types.CostConfig, minBid, maxBid int64, steps int) ([]types.ProfitPoint, error) {
	if opportunity == nil {
		return nil, ErrNilOpportunity
	}
	if minBid < 0 || maxBid < minBid || steps < 1 {
		return nil, fmt.Errorf("bids [%d, %d] in %d steps: %w", minBid, maxBid, steps, ErrInvalidRange)
	}

	var stepSize float64
	if steps > 1 {
		stepSize = float64(maxBid-minBid) / float64(steps-1)
	}

	points := make([]types.ProfitPoint, 0, steps)
	for i := 0; i < steps; i++ {
		bid := minBid + int64(math.Ceil(stepSize*float64(i)))
		if bid > maxBid {
			bid = maxBid
		}

		analysis, err := a.Analyze(opportunity, config, bid)
		if err != nil {
			return nil, err
		}
		points = append(points, types.ProfitPoint{
			Bid:       bid,
			NetProfit: analysis.NetProfit,
			ROI:       analysis.ROI,
		})
	}

	return points, nil
}
