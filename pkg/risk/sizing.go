package risk

import (
	"math"

	"github.com/mev-engine/arb-economics/pkg/cost"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// RecommendedAmount sizes a trade at 1-5% of pool liquidity scaled by
// riskTolerance, discounted by slippage, and capped by a tolerance-scaled
// share of available capital and by the opportunity's own input amount.
// riskTolerance is clamped to [0, 1].
func (g *Gate) RecommendedAmount(opportunity *types.ArbitrageOpportunity, availableCapital int64, riskTolerance float64) int64 {
	if opportunity == nil || availableCapital <= 0 || g.config.SOLPriceUSD <= 0 {
		return 0
	}
	tolerance := clamp01(riskTolerance)

	liquidityLamports := opportunity.PoolLiquidity * float64(types.LamportsPerSOL) / g.config.SOLPriceUSD
	base := liquidityLamports * (0.01 + tolerance*0.04)
	adjusted := base * math.Max(0, 1-opportunity.EstimatedSlippage*2)

	capitalCap := float64(availableCapital) * (0.2 + tolerance*0.6)

	amount := math.Min(adjusted, capitalCap)
	amount = math.Min(amount, float64(opportunity.InputAmount))
	if amount <= 0 || math.IsNaN(amount) {
		return 0
	}
	return int64(math.Floor(amount))
}

// ShouldUseFlashLoan decides whether a trade of amount lamports should borrow.
// Borrowing is mandatory without enough capital and refused when its fee
// would eat more than 30% of the expected profit.
func (g *Gate) ShouldUseFlashLoan(amount, availableCapital, expectedProfit int64) bool {
	if availableCapital < amount {
		return true
	}

	fee, err := cost.FlashLoanFee(amount)
	if err != nil {
		return false
	}
	if float64(fee) > float64(expectedProfit)*flashLoanMaxProfitShare {
		return false
	}
	if expectedProfit > fee*flashLoanProfitMultiple {
		return true
	}
	return amount > g.config.FlashLoanMinSize
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
