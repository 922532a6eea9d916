package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// Breaker state gauge values
const (
	breakerClosed   = 0
	breakerHalfOpen = 1
	breakerOpen     = 2
)

// Collector records decision-core activity as Prometheus metrics and keeps a
// small rolling summary for the operator API. It implements
// interfaces.EngineObserver.
type Collector struct {
	mu sync.RWMutex

	config  *CollectorConfig
	metrics *PrometheusMetrics

	evaluations int64
	executed    int64
	rejections  map[string]int64
	snapshots   map[types.SnapshotSource]int64
	bundlesOK   int64
	bundlesFail int64
	trips       int64
	lastTrip    string

	bids       []int64
	breaker    string
	hourlyPnL  [2]int64
	lastUpdate time.Time
}

// CollectorConfig contains configuration for the metrics collector
type CollectorConfig struct {
	Namespace  string    `mapstructure:"namespace"`
	BidWindow  int       `mapstructure:"bid_window"`
	BidBuckets []float64 `mapstructure:"bid_buckets"`
}

// PrometheusMetrics contains all Prometheus metric collectors
type PrometheusMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	bidLamports        prometheus.Histogram
	netProfitLamports  prometheus.Histogram
	tipSnapshots       *prometheus.CounterVec
	bundlesTotal       *prometheus.CounterVec
	breakerState       prometheus.Gauge
	breakerHourly      *prometheus.GaugeVec
	breakerTrips       *prometheus.CounterVec
}

// Summary is a point-in-time digest of collected activity
type Summary struct {
	Evaluations      int64                          `json:"evaluations"`
	Executed         int64                          `json:"executed"`
	RejectionsBy     map[string]int64               `json:"rejections_by_stage"`
	SnapshotsBy      map[types.SnapshotSource]int64 `json:"snapshots_by_source"`
	BundlesSucceeded int64                          `json:"bundles_succeeded"`
	BundlesFailed    int64                          `json:"bundles_failed"`
	BreakerState     string                         `json:"breaker_state"`
	BreakerTrips     int64                          `json:"breaker_trips"`
	LastTripReason   string                         `json:"last_trip_reason,omitempty"`
	HourlyProfit     int64                          `json:"hourly_profit"`
	HourlyLoss       int64                          `json:"hourly_loss"`
	AverageBid       float64                        `json:"average_bid"`
	LastUpdate       time.Time                      `json:"last_update"`
}

func defaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		Namespace:  "arb",
		BidWindow:  500,
		BidBuckets: prometheus.ExponentialBuckets(1_000, 4, 10), // 1e3 .. ~2.6e8 lamports
	}
}

// NewCollector creates a collector registered with the default registry
func NewCollector(config *CollectorConfig) *Collector {
	return NewCollectorWithRegistry(config, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom Prometheus registry
func NewCollectorWithRegistry(config *CollectorConfig, registry prometheus.Registerer) *Collector {
	defaults := defaultCollectorConfig()
	if config == nil {
		config = defaults
	}
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	if config.BidWindow <= 0 {
		config.BidWindow = defaults.BidWindow
	}
	if len(config.BidBuckets) == 0 {
		config.BidBuckets = defaults.BidBuckets
	}

	c := &Collector{
		config:     config,
		rejections: make(map[string]int64),
		snapshots:  make(map[types.SnapshotSource]int64),
		bids:       make([]int64, 0, config.BidWindow),
		breaker:    string(circuit.StateClosed),
	}
	c.initPrometheusMetrics(promauto.With(registry))
	return c
}

func (c *Collector) initPrometheusMetrics(factory promauto.Factory) {
	ns := c.config.Namespace
	c.metrics = &PrometheusMetrics{
		evaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "evaluations_total",
			Help:      "Opportunity evaluations by final stage and outcome",
		}, []string{"stage", "outcome"}),
		evaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating an opportunity",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"stage"}),
		bidLamports: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bid_lamports",
			Help:      "Chosen bundle tips in lamports",
			Buckets:   c.config.BidBuckets,
		}),
		netProfitLamports: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "net_profit_lamports",
			Help:      "Projected net profit of executed opportunities in lamports",
			Buckets:   prometheus.ExponentialBuckets(10_000, 4, 10),
		}),
		tipSnapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tip_snapshots_total",
			Help:      "Tip snapshots served by source (fresh, cached, fallback)",
		}, []string{"source"}),
		bundlesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bundles_total",
			Help:      "Reported bundle outcomes",
		}, []string{"outcome"}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		}),
		breakerHourly: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "circuit_breaker_hourly_lamports",
			Help:      "Profit and loss accumulated in the current hourly bucket",
		}, []string{"kind"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "circuit_breaker_trips_total",
			Help:      "Circuit breaker trips by trigger",
		}, []string{"trigger"}),
	}
}

// ObserveEvaluation records the stage an evaluation stopped at
func (c *Collector) ObserveEvaluation(stage string, executed bool, duration time.Duration) {
	outcome := "rejected"
	if executed {
		outcome = "executed"
	}
	c.metrics.evaluationsTotal.WithLabelValues(stage, outcome).Inc()
	c.metrics.evaluationDuration.WithLabelValues(stage).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluations++
	if executed {
		c.executed++
	} else {
		c.rejections[stage]++
	}
	c.lastUpdate = time.Now()
}

// ObserveBid records the bid and projected net profit of an executed decision
func (c *Collector) ObserveBid(bid int64, netProfit int64) {
	c.metrics.bidLamports.Observe(float64(bid))
	c.metrics.netProfitLamports.Observe(float64(netProfit))

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bids) >= c.config.BidWindow {
		c.bids = c.bids[1:]
	}
	c.bids = append(c.bids, bid)
}

// ObserveTipSnapshot counts snapshots by source
func (c *Collector) ObserveTipSnapshot(source types.SnapshotSource) {
	c.metrics.tipSnapshots.WithLabelValues(string(source)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[source]++
}

// ObserveBundle counts bundle outcomes. The pair is not used as a label to
// keep cardinality bounded.
func (c *Collector) ObserveBundle(tokenPair string, success bool) {
	outcome := "failed"
	if success {
		outcome = "landed"
	}
	c.metrics.bundlesTotal.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.bundlesOK++
	} else {
		c.bundlesFail++
	}
}

// ObserveBreakerState publishes the breaker state and hourly bucket
func (c *Collector) ObserveBreakerState(state string, hourlyProfit, hourlyLoss int64) {
	switch circuit.State(state) {
	case circuit.StateOpen:
		c.metrics.breakerState.Set(breakerOpen)
	case circuit.StateHalfOpen:
		c.metrics.breakerState.Set(breakerHalfOpen)
	default:
		c.metrics.breakerState.Set(breakerClosed)
	}
	c.metrics.breakerHourly.WithLabelValues("profit").Set(float64(hourlyProfit))
	c.metrics.breakerHourly.WithLabelValues("loss").Set(float64(hourlyLoss))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaker = state
	c.hourlyPnL = [2]int64{hourlyProfit, hourlyLoss}
}

// ObserveBreakerTrip counts a trip by its trigger
func (c *Collector) ObserveBreakerTrip(reason string) {
	c.metrics.breakerTrips.WithLabelValues(TripTrigger(reason)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.trips++
	c.lastTrip = reason
}

// OnBreakerTransition adapts breaker transitions to the observer calls. It
// satisfies circuit.TransitionListener.
func (c *Collector) OnBreakerTransition(t circuit.Transition) {
	c.ObserveBreakerState(string(t.To), t.Metrics.HourlyProfit, t.Metrics.HourlyLoss)
	if t.To == circuit.StateOpen {
		c.ObserveBreakerTrip(t.Reason)
	}
}

// TripTrigger maps a breaker trip reason to a bounded label value
func TripTrigger(reason string) string {
	switch {
	case strings.Contains(reason, "consecutive failures"):
		return "consecutive_failures"
	case strings.Contains(reason, "hourly net loss"):
		return "hourly_loss"
	case strings.Contains(reason, "success rate"):
		return "success_rate"
	case strings.Contains(reason, "net profit negative"):
		return "net_loss"
	case strings.Contains(reason, "half-open"):
		return "half_open_failure"
	}
	return "other"
}

// Summary returns a digest of everything observed so far
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Evaluations:      c.evaluations,
		Executed:         c.executed,
		RejectionsBy:     make(map[string]int64, len(c.rejections)),
		SnapshotsBy:      make(map[types.SnapshotSource]int64, len(c.snapshots)),
		BundlesSucceeded: c.bundlesOK,
		BundlesFailed:    c.bundlesFail,
		BreakerState:     c.breaker,
		BreakerTrips:     c.trips,
		LastTripReason:   c.lastTrip,
		HourlyProfit:     c.hourlyPnL[0],
		HourlyLoss:       c.hourlyPnL[1],
		LastUpdate:       c.lastUpdate,
	}
	for k, v := range c.rejections {
		s.RejectionsBy[k] = v
	}
	for k, v := range c.snapshots {
		s.SnapshotsBy[k] = v
	}
	if len(c.bids) > 0 {
		var total float64
		for _, b := range c.bids {
			total += float64(b)
		}
		s.AverageBid = total / float64(len(c.bids))
	}
	return s
}
