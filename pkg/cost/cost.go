package cost

import (
	"errors"
	"fmt"
	"math"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// Compute unit heuristics used when a config does not pin a budget
const (
	BaselineComputeUnits     int64 = 200_000
	FlashLoanComputeUnits    int64 = 200_000
	PerSignatureComputeUnits int64 = 50_000

	microLamportsPerLamport int64 = 1_000_000
	flashLoanFeeNumerator   int64 = 9
	flashLoanFeeDenominator int64 = 10_000
)

var (
	// ErrNegativeInput is returned when a fee input is below zero
	ErrNegativeInput = errors.New("negative fee input")

	// ErrOverflow is returned when a fee does not fit in int64 lamports
	ErrOverflow = errors.New("fee arithmetic overflow")
)

// BaseFee returns the signature fee for sigCount signatures
func BaseFee(sigCount int) int64 {
	if sigCount <= 0 {
		return 0
	}
	return int64(sigCount) * types.BaseFeePerSignature
}

// PriorityFee returns ceil(computeUnits * unitPrice / 1e6) in lamports.
// unitPrice is in micro-lamports per compute unit.
func PriorityFee(computeUnits, unitPrice int64) (int64, error) {
	if computeUnits < 0 || unitPrice < 0 {
		return 0, ErrNegativeInput
	}
	if computeUnits == 0 || unitPrice == 0 {
		return 0, nil
	}
	if computeUnits > math.MaxInt64/unitPrice {
		return 0, ErrOverflow
	}
	product := computeUnits * unitPrice
	return ceilDiv(product, microLamportsPerLamport), nil
}

// FlashLoanFee returns ceil(amount * 0.0009) computed in integer arithmetic
func FlashLoanFee(amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrNegativeInput
	}
	whole := (amount / flashLoanFeeDenominator) * flashLoanFeeNumerator
	rest := ceilDiv((amount%flashLoanFeeDenominator)*flashLoanFeeNumerator, flashLoanFeeDenominator)
	return whole + rest, nil
}

// EstimateComputeUnits returns the configured budget when positive, otherwise a
// heuristic capped at the protocol ceiling
func EstimateComputeUnits(config types.CostConfig) int64 {
	if config.ComputeUnits > 0 {
		return config.ComputeUnits
	}

	units := BaselineComputeUnits
	if config.UseFlashLoan {
		units += FlashLoanComputeUnits
	}
	if config.SignatureCount > 2 {
		units += int64(config.SignatureCount-2) * PerSignatureComputeUnits
	}
	if units > types.MaxComputeUnits {
		units = types.MaxComputeUnits
	}
	return units
}

// Validate checks a cost config for values outside the fee domain
func Validate(config types.CostConfig) error {
	if config.SignatureCount < 0 {
		return fmt.Errorf("signature count %d: %w", config.SignatureCount, ErrNegativeInput)
	}
	if config.ComputeUnits < 0 {
		return fmt.Errorf("compute units %d: %w", config.ComputeUnits, ErrNegativeInput)
	}
	if config.ComputeUnits > types.MaxComputeUnits {
		return fmt.Errorf("compute units %d exceed protocol limit %d", config.ComputeUnits, types.MaxComputeUnits)
	}
	if config.ComputeUnitPrice < 0 {
		return fmt.Errorf("compute unit price %d: %w", config.ComputeUnitPrice, ErrNegativeInput)
	}
	if config.FlashLoanAmount < 0 {
		return fmt.Errorf("flash loan amount %d: %w", config.FlashLoanAmount, ErrNegativeInput)
	}
	if config.NetworkOverhead < 0 {
		return fmt.Errorf("network overhead %d: %w", config.NetworkOverhead, ErrNegativeInput)
	}
	return nil
}

// CalculateTotalCost sums every applicable fee component for one transaction
func CalculateTotalCost(config types.CostConfig, bid int64) (types.TransactionCosts, error) {
	if err := Validate(config); err != nil {
		return types.TransactionCosts{}, err
	}
	if bid < 0 {
		return types.TransactionCosts{}, fmt.Errorf("bid %d: %w", bid, ErrNegativeInput)
	}

	units := EstimateComputeUnits(config)
	priority, err := PriorityFee(units, config.ComputeUnitPrice)
	if err != nil {
		return types.TransactionCosts{}, fmt.Errorf("failed to calculate priority fee: %w", err)
	}

	costs := types.TransactionCosts{
		BaseFee:         BaseFee(config.SignatureCount),
		PriorityFee:     priority,
		Bid:             bid,
		NetworkOverhead: networkOverhead(config),
		ComputeUnits:    units,
	}

	if config.UseFlashLoan && config.FlashLoanAmount > 0 {
		fee, err := FlashLoanFee(config.FlashLoanAmount)
		if err != nil {
			return types.TransactionCosts{}, fmt.Errorf("failed to calculate flash loan fee: %w", err)
		}
		costs.FlashLoanFee = fee
	}

	total, err := sum(costs.BaseFee, costs.PriorityFee, costs.Bid, costs.NetworkOverhead, costs.FlashLoanFee)
	if err != nil {
		return types.TransactionCosts{}, err
	}
	costs.Total = total

	return costs, nil
}

// CalculateMinProfitThreshold returns the fixed-cost floor a gross profit must
// clear. The flash-loan fee is excluded: it scales with loan size and callers
// add it back for the amount they actually borrow.
func CalculateMinProfitThreshold(config types.CostConfig, bid int64) (int64, error) {
	costs, err := CalculateTotalCost(config, bid)
	if err != nil {
		return 0, err
	}
	return costs.Total - costs.FlashLoanFee, nil
}

// QuickEstimate is the allocation-free screening variant of CalculateTotalCost.
// It ignores flash loans and always charges the default network overhead.
func QuickEstimate(sigCount int, computeUnits, unitPrice, bid int64) (int64, error) {
	if sigCount < 0 || bid < 0 {
		return 0, ErrNegativeInput
	}
	priority, err := PriorityFee(computeUnits, unitPrice)
	if err != nil {
		return 0, err
	}
	return sum(BaseFee(sigCount), priority, bid, types.DefaultNetworkOverhead)
}

func networkOverhead(config types.CostConfig) int64 {
	if config.NetworkOverhead > 0 {
		return config.NetworkOverhead
	}
	return types.DefaultNetworkOverhead
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

func sum(values ...int64) (int64, error) {
	var total int64
	for _, v := range values {
		if v > math.MaxInt64-total {
			return 0, ErrOverflow
		}
		total += v
	}
	return total, nil
}
