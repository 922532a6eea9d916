package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/types"
)

var _ interfaces.EngineObserver = (*Collector)(nil)

// newTestCollector creates a collector for testing with a custom registry
func newTestCollector(config *CollectorConfig) (*Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewCollectorWithRegistry(config, registry), registry
}

func TestNewCollector_Defaults(t *testing.T) {
	tests := []struct {
		name   string
		config *CollectorConfig
		want   CollectorConfig
	}{
		{
			name:   "default config",
			config: nil,
			want:   CollectorConfig{Namespace: "arb", BidWindow: 500},
		},
		{
			name:   "custom config",
			config: &CollectorConfig{Namespace: "test", BidWindow: 10},
			want:   CollectorConfig{Namespace: "test", BidWindow: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, _ := newTestCollector(tt.config)

			assert.Equal(t, tt.want.Namespace, collector.config.Namespace)
			assert.Equal(t, tt.want.BidWindow, collector.config.BidWindow)
			assert.NotEmpty(t, collector.config.BidBuckets)
			assert.NotNil(t, collector.metrics)
		})
	}
}

func TestCollector_ObserveEvaluation(t *testing.T) {
	collector, _ := newTestCollector(nil)

	collector.ObserveEvaluation("validation", false, time.Millisecond)
	collector.ObserveEvaluation("validation", false, time.Millisecond)
	collector.ObserveEvaluation("pre_execution", false, time.Millisecond)
	collector.ObserveEvaluation("approved", true, 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.metrics.evaluationsTotal.WithLabelValues("validation", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.metrics.evaluationsTotal.WithLabelValues("approved", "executed")))

	summary := collector.Summary()
	assert.Equal(t, int64(4), summary.Evaluations)
	assert.Equal(t, int64(1), summary.Executed)
	assert.Equal(t, int64(2), summary.RejectionsBy["validation"])
	assert.Equal(t, int64(1), summary.RejectionsBy["pre_execution"])
}

func TestCollector_ObserveBid(t *testing.T) {
	collector, registry := newTestCollector(&CollectorConfig{BidWindow: 3})

	for _, bid := range []int64{1000, 2000, 3000, 4000} {
		collector.ObserveBid(bid, bid*10)
	}

	assert.Equal(t, 3000.0, collector.Summary().AverageBid)

	families, err := registry.Gather()
	require.NoError(t, err)

	var samples uint64
	for _, family := range families {
		if family.GetName() == "arb_bid_lamports" {
			samples = family.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(4), samples)
}

func TestCollector_SnapshotsAndBundles(t *testing.T) {
	collector, _ := newTestCollector(nil)

	collector.ObserveTipSnapshot(types.SourceFresh)
	collector.ObserveTipSnapshot(types.SourceCached)
	collector.ObserveTipSnapshot(types.SourceCached)
	collector.ObserveTipSnapshot(types.SourceFallback)
	collector.ObserveBundle("SOL/USDC", true)
	collector.ObserveBundle("SOL/USDC", false)
	collector.ObserveBundle("BONK/SOL", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.metrics.tipSnapshots.WithLabelValues("cached")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.metrics.bundlesTotal.WithLabelValues("landed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.metrics.bundlesTotal.WithLabelValues("failed")))

	summary := collector.Summary()
	assert.Equal(t, int64(1), summary.SnapshotsBy[types.SourceFallback])
	assert.Equal(t, int64(2), summary.BundlesSucceeded)
	assert.Equal(t, int64(1), summary.BundlesFailed)
}

func TestCollector_BreakerTransitions(t *testing.T) {
	collector, _ := newTestCollector(nil)

	collector.OnBreakerTransition(circuit.Transition{
		From:    circuit.StateClosed,
		To:      circuit.StateOpen,
		Reason:  "5 consecutive failures reached limit 5",
		Metrics: circuit.Metrics{HourlyLoss: 50_000},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.metrics.breakerState))
	assert.Equal(t, 50_000.0, testutil.ToFloat64(collector.metrics.breakerHourly.WithLabelValues("loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.metrics.breakerTrips.WithLabelValues("consecutive_failures")))

	collector.OnBreakerTransition(circuit.Transition{From: circuit.StateOpen, To: circuit.StateHalfOpen})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.metrics.breakerState))

	collector.OnBreakerTransition(circuit.Transition{From: circuit.StateHalfOpen, To: circuit.StateClosed})
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.metrics.breakerState))

	summary := collector.Summary()
	assert.Equal(t, "closed", summary.BreakerState)
	assert.Equal(t, int64(1), summary.BreakerTrips)
	assert.Contains(t, summary.LastTripReason, "consecutive failures")
}

func TestTripTrigger(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"3 consecutive failures reached limit 3", "consecutive_failures"},
		{"hourly net loss 600 lamports reached limit 500", "hourly_loss"},
		{"success rate 10.0% below minimum 30.0% over 20 attempts", "success_rate"},
		{"net profit negative (-5 lamports) after 10 attempts", "net_loss"},
		{"failure during half-open test", "half_open_failure"},
		{"something else", "other"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TripTrigger(tt.reason), tt.reason)
	}
}

func TestHandlerFor(t *testing.T) {
	collector, registry := newTestCollector(nil)
	collector.ObserveBundle("SOL/USDC", true)

	rec := httptest.NewRecorder()
	HandlerFor(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `arb_bundles_total{outcome="landed"} 1`))
}
