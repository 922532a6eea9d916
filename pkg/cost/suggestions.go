package cost

import (
	"fmt"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// SuggestionCode identifies a cost optimization hint
type SuggestionCode string

const (
	SuggestHighComputeUnits   SuggestionCode = "high_compute_units"
	SuggestHighUnitPrice      SuggestionCode = "high_unit_price"
	SuggestManySignatures     SuggestionCode = "many_signatures"
	SuggestExpensiveFlashLoan SuggestionCode = "expensive_flash_loan"
)

// Advisory thresholds for OptimizationSuggestions
const (
	highComputeUnitsThreshold int64 = 400_000
	highUnitPriceThreshold    int64 = 10_000
	manySignaturesThreshold         = 3
	expensiveFlashLoanFee     int64 = 1_000_000 // 0.001 SOL
)

// Suggestion is one advisory hint about a cost config
type Suggestion struct {
	Code    SuggestionCode `json:"code"`
	Message string         `json:"message"`
}

// Comparison is the result of comparing two configs at the same bid
type Comparison struct {
	TotalA     int64 `json:"total_a"`
	TotalB     int64 `json:"total_b"`
	Difference int64 `json:"difference"` // TotalA - TotalB
}

// CompareCosts prices two configs at the same bid
func CompareCosts(a, b types.CostConfig, bid int64) (Comparison, error) {
	costA, err := CalculateTotalCost(a, bid)
	if err != nil {
		return Comparison{}, fmt.Errorf("failed to price first config: %w", err)
	}
	costB, err := CalculateTotalCost(b, bid)
	if err != nil {
		return Comparison{}, fmt.Errorf("failed to price second config: %w", err)
	}
	return Comparison{
		TotalA:     costA.Total,
		TotalB:     costB.Total,
		Difference: costA.Total - costB.Total,
	}, nil
}

// OptimizationSuggestions lists advisory hints for a cost config
func OptimizationSuggestions(config types.CostConfig) []Suggestion {
	var suggestions []Suggestion

	if EstimateComputeUnits(config) > highComputeUnitsThreshold {
		suggestions = append(suggestions, Suggestion{
			Code:    SuggestHighComputeUnits,
			Message: "transaction is compute heavy, consider a shorter route or lookup tables",
		})
	}

	if config.ComputeUnitPrice > highUnitPriceThreshold {
		suggestions = append(suggestions, Suggestion{
			Code:    SuggestHighUnitPrice,
			Message: "compute unit price is high, the fee market is likely contested",
		})
	}

	if config.SignatureCount > manySignaturesThreshold && !config.UseFlashLoan {
		suggestions = append(suggestions, Suggestion{
			Code:    SuggestManySignatures,
			Message: "many signatures, consider restructuring the transaction",
		})
	}

	if config.UseFlashLoan && config.FlashLoanAmount > 0 {
		if fee, err := FlashLoanFee(config.FlashLoanAmount); err == nil && fee > expensiveFlashLoanFee {
			suggestions = append(suggestions, Suggestion{
				Code:    SuggestExpensiveFlashLoan,
				Message: fmt.Sprintf("flash loan fee is %d lamports, make sure profit covers it", fee),
			})
		}
	}

	return suggestions
}
