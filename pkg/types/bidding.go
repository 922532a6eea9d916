package types

import (
	"math"
	"time"
)

// TipSnapshot is a percentile distribution of landed bundle tips, in SOL
type TipSnapshot struct {
	Time  time.Time `json:"time"`
	P25   float64   `json:"landed_tips_25th_percentile"`
	P50   float64   `json:"landed_tips_50th_percentile"`
	P75   float64   `json:"landed_tips_75th_percentile"`
	P95   float64   `json:"landed_tips_95th_percentile"`
	P99   float64   `json:"landed_tips_99th_percentile"`
	EMA50 float64   `json:"ema_landed_tips_50th_percentile"`
}

// Percentile reads the SOL value for p. ok is false for unsupported percentiles.
func (s TipSnapshot) Percentile(p int) (sol float64, ok bool) {
	switch p {
	case 25:
		return s.P25, true
	case 50:
		return s.P50, true
	case 75:
		return s.P75, true
	case 95:
		return s.P95, true
	case 99:
		return s.P99, true
	}
	return 0, false
}

// Lamports converts a SOL tip to lamports, rounding up. Underpaying a tip
// risks the bundle being dropped.
func Lamports(sol float64) int64 {
	if sol <= 0 || math.IsNaN(sol) {
		return 0
	}
	return int64(math.Ceil(sol * float64(LamportsPerSOL)))
}

// SnapshotSource says where a returned TipSnapshot came from
type SnapshotSource string

const (
	SourceFresh    SnapshotSource = "fresh"
	SourceCached   SnapshotSource = "cached"
	SourceFallback SnapshotSource = "fallback"
)

// TipSnapshotResult is the outcome of a snapshot fetch. Err carries the feed
// failure that forced a degraded source; it is informational only.
type TipSnapshotResult struct {
	Snapshot TipSnapshot    `json:"snapshot"`
	Source   SnapshotSource `json:"source"`
	Err      error          `json:"-"`
}

// Degraded reports whether the result came from anything but the live feed
func (r TipSnapshotResult) Degraded() bool {
	return r.Err != nil
}

// BundleResult is the outcome of one submitted bundle
type BundleResult struct {
	BundleID  string    `json:"bundle_id"`
	Success   bool      `json:"success"`
	Bid       int64     `json:"bid"`
	Profit    int64     `json:"profit,omitempty"`
	TokenPair string    `json:"token_pair"`
	Timestamp time.Time `json:"timestamp"`
}

// CompetitionMetrics are the raw signals reduced to a competition score
type CompetitionMetrics struct {
	TokenPairVolume    float64 `json:"token_pair_volume"`    // 24h USD volume
	HistoricalArbCount float64 `json:"historical_arb_count"` // arbitrages in the last hour
	AverageRecentBid   float64 `json:"average_recent_bid"`   // lamports, last 10 minutes
	FailedBundleRate   float64 `json:"failed_bundle_rate"`   // fraction in [0,1]
}

// HistoryStats aggregates recorded bundle outcomes
type HistoryStats struct {
	TotalBundles  int     `json:"total_bundles"`
	SuccessRate   float64 `json:"success_rate"`
	AvgBid        float64 `json:"avg_bid"`
	AvgSuccessBid float64 `json:"avg_success_bid"`
	AvgFailedBid  float64 `json:"avg_failed_bid"`
}

// TransactionOutcome is what the executor reports after an attempt
type TransactionOutcome struct {
	Success   bool      `json:"success"`
	Profit    int64     `json:"profit,omitempty"` // realized, on success
	Cost      int64     `json:"cost,omitempty"`   // lost, on failure
	Signature string    `json:"signature,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
