// Package report renders human-readable summaries of cost, profit, risk and
// breaker state. Amounts are lamports shown as SOL with nine decimals.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/types"
)

const solDecimals = 9

// SOL converts lamports to an exact SOL decimal
func SOL(lamports int64) decimal.Decimal {
	return decimal.NewFromInt(lamports).Shift(-solDecimals)
}

// FormatSOL renders lamports as "0.000028100 SOL"
func FormatSOL(lamports int64) string {
	return SOL(lamports).StringFixed(solDecimals) + " SOL"
}

// ParseSOL converts a SOL string to lamports, rounding up to the next lamport
func ParseSOL(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "SOL")))
	if err != nil {
		return 0, fmt.Errorf("failed to parse SOL amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("SOL amount %q is negative", s)
	}
	return d.Shift(solDecimals).Ceil().IntPart(), nil
}

type table struct {
	b     strings.Builder
	width int
}

func newTable(title string, width int) *table {
	t := &table{width: width}
	t.b.WriteString(title)
	t.b.WriteString("\n")
	t.b.WriteString(strings.Repeat("-", len(title)))
	t.b.WriteString("\n")
	return t
}

func (t *table) row(label, value string) {
	fmt.Fprintf(&t.b, "%-*s %s\n", t.width, label+":", value)
}

func (t *table) String() string {
	return t.b.String()
}

// CostBreakdown itemizes a transaction's costs
func CostBreakdown(costs types.TransactionCosts) string {
	t := newTable("Transaction costs", 18)
	t.row("Base fee", FormatSOL(costs.BaseFee))
	t.row("Priority fee", fmt.Sprintf("%s (%d CU)", FormatSOL(costs.PriorityFee), costs.ComputeUnits))
	t.row("Bid", FormatSOL(costs.Bid))
	t.row("Network overhead", FormatSOL(costs.NetworkOverhead))
	if costs.HasFlashLoanFee() {
		t.row("Flash loan fee", FormatSOL(costs.FlashLoanFee))
	}
	t.row("Total", FormatSOL(costs.Total))
	return t.String()
}

// ProfitReport summarizes the analysis of one opportunity
func ProfitReport(opp *types.ArbitrageOpportunity, analysis *types.ProfitAnalysis) string {
	t := newTable("Profit analysis", 16)
	if opp != nil {
		t.row("Pair", opp.TokenPair)
		t.row("Route", strings.Join(opp.Route, " -> "))
		t.row("Input", FormatSOL(opp.InputAmount))
	}
	if analysis == nil {
		t.row("Analysis", "unavailable")
		return t.String()
	}

	slippage := analysis.NetProfit - analysis.GrossProfit + analysis.TotalCost
	verdict := "NOT PROFITABLE"
	if analysis.IsProfitable {
		verdict = "PROFITABLE"
	}

	t.row("Gross profit", FormatSOL(analysis.GrossProfit))
	t.row("Slippage impact", FormatSOL(slippage))
	t.row("Total cost", FormatSOL(analysis.TotalCost))
	t.row("Net profit", FormatSOL(analysis.NetProfit))
	t.row("ROI", fmt.Sprintf("%.2f%%", analysis.ROI))
	t.row("Cost ratio", fmt.Sprintf("%.2f%%", analysis.CostRatio*100))
	t.row("Verdict", verdict)
	return t.String()
}

// RiskReport lists the pre-execution checks and the risk tier
func RiskReport(result types.RiskCheckResult, level types.RiskLevel, score int) string {
	t := newTable("Risk assessment", 17)
	t.row("Profit threshold", mark(result.Checks.ProfitThreshold))
	t.row("Cost limit", mark(result.Checks.CostLimit))
	t.row("Slippage", mark(result.Checks.Slippage))
	t.row("Liquidity", mark(result.Checks.Liquidity))
	t.row("ROI", mark(result.Checks.ROI))
	t.row("Risk level", fmt.Sprintf("%s (score %d)", strings.ToUpper(string(level)), score))
	if result.Passed {
		t.row("Result", "PASSED")
	} else {
		t.row("Result", "FAILED: "+result.Reason)
	}
	return t.String()
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

// BreakerReport describes breaker state from an exported snapshot
func BreakerReport(s circuit.Snapshot, health int) string {
	t := newTable("Circuit breaker", 22)
	t.row("State", strings.ToUpper(string(s.State)))
	if s.State == circuit.StateOpen {
		t.row("Cooldown remaining", s.RemainingCooldown.Round(time.Second).String())
	}
	if s.State == circuit.StateHalfOpen {
		t.row("Test successes", fmt.Sprintf("%d/%d", s.HalfOpenSuccesses, s.Config.HalfOpenTestAttempts))
	}
	t.row("Consecutive failures", fmt.Sprintf("%d/%d", s.Metrics.ConsecutiveFailures, s.Config.MaxConsecutiveFailures))
	t.row("Hourly profit", FormatSOL(s.Metrics.HourlyProfit))
	t.row("Hourly loss", fmt.Sprintf("%s (limit %s)", FormatSOL(s.Metrics.HourlyLoss), FormatSOL(s.Config.MaxHourlyLoss)))
	t.row("Attempts", fmt.Sprintf("%d (%.1f%% success)", s.Metrics.TotalAttempts, s.Metrics.SuccessRate*100))
	t.row("Net profit", FormatSOL(s.Metrics.NetProfit))
	t.row("Health", fmt.Sprintf("%d/100", health))
	return t.String()
}

// TipReport lists the percentiles of a tip snapshot in lamports and SOL
func TipReport(result types.TipSnapshotResult) string {
	t := newTable("Landed tips", 8)
	for _, p := range []int{25, 50, 75, 95, 99} {
		sol, _ := result.Snapshot.Percentile(p)
		lamports := types.Lamports(sol)
		t.row(fmt.Sprintf("p%d", p), fmt.Sprintf("%12d lamports  %s", lamports, FormatSOL(lamports)))
	}
	t.row("EMA p50", FormatSOL(types.Lamports(result.Snapshot.EMA50)))
	source := string(result.Source)
	if result.Err != nil {
		source += " (" + result.Err.Error() + ")"
	}
	t.row("Source", source)
	return t.String()
}
