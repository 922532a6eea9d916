package bidding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// Defaults applied to zero-valued config fields
const (
	DefaultCacheTTL          = 10 * time.Second
	DefaultFetchTimeout      = 4 * time.Second
	DefaultRefreshInterval   = time.Second
	DefaultHistorySize       = 100
	DefaultMaxTrackedPairs   = 1024
	DefaultMinTip            = int64(1_000)
	DefaultMaxTip            = int64(100_000_000) // 0.1 SOL
	DefaultMinHistorySamples = 10

	DefaultSmallShare  = 0.3
	DefaultMediumShare = 0.4
	DefaultLargeShare  = 0.5

	competitionWeight = 4.0
	urgencyWeight     = 2.0
	fallbackMultiple  = 1.5
	snapshotKey       = "tip_snapshot"
)

// Competition score normalization constants
const (
	volumeNormalization   = 10_000_000.0 // USD per 24h
	arbCountNormalization = 100.0        // arbitrages per hour
	avgBidNormalization   = 100_000.0    // lamports
)

var (
	// ErrInvalidPercentile is returned for percentiles other than 25/50/75/95/99
	ErrInvalidPercentile = errors.New("unsupported tip percentile")

	// ErrInvalidTier is returned for an unknown capital tier
	ErrInvalidTier = errors.New("unknown capital tier")

	// ErrInvalidSnapshot is returned when the feed returns unusable data
	ErrInvalidSnapshot = errors.New("invalid tip snapshot")

	// ErrRefreshThrottled reports a forced refresh answered from cache
	// because the upstream request budget is spent
	ErrRefreshThrottled = errors.New("tip refresh throttled")
)

// FallbackSnapshot is the conservative distribution used when no market data
// has ever been fetched
var FallbackSnapshot = types.TipSnapshot{
	P25:   0.000006,
	P50:   0.00001,
	P75:   0.000036,
	P95:   0.0014,
	P99:   0.01,
	EMA50: 0.00001,
}

// Config configures the bidding optimizer
type Config struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // minimum spacing of upstream fetches

	HistorySize       int `mapstructure:"history_size"`
	MaxTrackedPairs   int `mapstructure:"max_tracked_pairs"`
	MinHistorySamples int `mapstructure:"min_history_samples"`

	MinTip int64 `mapstructure:"min_tip"`
	MaxTip int64 `mapstructure:"max_tip"`

	SmallShare  float64 `mapstructure:"small_share"`
	MediumShare float64 `mapstructure:"medium_share"`
	LargeShare  float64 `mapstructure:"large_share"`
}

func (c Config) withDefaults() Config {
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.MaxTrackedPairs == 0 {
		c.MaxTrackedPairs = DefaultMaxTrackedPairs
	}
	if c.MinHistorySamples == 0 {
		c.MinHistorySamples = DefaultMinHistorySamples
	}
	if c.MinTip == 0 {
		c.MinTip = DefaultMinTip
	}
	if c.MaxTip == 0 {
		c.MaxTip = DefaultMaxTip
	}
	if c.SmallShare == 0 {
		c.SmallShare = DefaultSmallShare
	}
	if c.MediumShare == 0 {
		c.MediumShare = DefaultMediumShare
	}
	if c.LargeShare == 0 {
		c.LargeShare = DefaultLargeShare
	}
	return c
}

// Validate checks the config after defaults are applied
func (c Config) Validate() error {
	if c.CacheTTL < 0 || c.RefreshInterval < 0 {
		return fmt.Errorf("cache ttl and refresh interval must not be negative")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.HistorySize < 1 || c.MaxTrackedPairs < 1 || c.MinHistorySamples < 1 {
		return fmt.Errorf("history size, tracked pairs and min samples must be >= 1")
	}
	if c.MinTip < 0 || c.MaxTip < c.MinTip {
		return fmt.Errorf("tip bounds [%d, %d] are invalid", c.MinTip, c.MaxTip)
	}
	for _, share := range []float64{c.SmallShare, c.MediumShare, c.LargeShare} {
		if share <= 0 || share > 1 {
			return fmt.Errorf("profit share %v must be in (0, 1]", share)
		}
	}
	return nil
}

// Quote is the outcome of an optimal tip calculation
type Quote struct {
	Bid           int64                `json:"bid"`
	BaseTip       int64                `json:"base_tip"`
	DynamicTip    int64                `json:"dynamic_tip"`
	ProfitCeiling int64                `json:"profit_ceiling"`
	Source        types.SnapshotSource `json:"source"`
}

// Option configures an Optimizer
type Option func(*Optimizer)

// WithClock replaces the wall clock used for cache expiry
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) {
		o.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver reports snapshot sources and bundle outcomes to an observer
func WithObserver(observer interfaces.EngineObserver) Option {
	return func(o *Optimizer) {
		o.observer = observer
	}
}

// Optimizer computes competitive bundle tips from market tip data and
// per-pair bundle history
type Optimizer struct {
	config   Config
	feed     interfaces.TipFeed
	history  *History
	logger   *zap.Logger
	observer interfaces.EngineObserver
	now      func() time.Time

	group   singleflight.Group
	limiter *rate.Limiter

	mu        sync.RWMutex
	cached    *types.TipSnapshot
	fetchedAt time.Time
}

// NewOptimizer creates a new bidding optimizer. A nil feed always serves the
// fallback snapshot.
func NewOptimizer(config *Config, feed interfaces.TipFeed, opts ...Option) (*Optimizer, error) {
	if config == nil {
		config = &Config{}
	}
	cfg := config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bidding config: %w", err)
	}

	history, err := NewHistory(cfg.HistorySize, cfg.MaxTrackedPairs)
	if err != nil {
		return nil, err
	}

	o := &Optimizer{
		config:  cfg,
		feed:    feed,
		history: history,
		logger:  zap.NewNop(),
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the effective configuration
func (o *Optimizer) Config() Config {
	return o.config
}

// History exposes the bundle history store
func (o *Optimizer) History() *History {
	return o.history
}

// FetchTipSnapshot returns the market tip distribution. A snapshot younger
// than the cache TTL is served from cache unless forceRefresh is set. Feed
// failures never surface as errors: the last cached snapshot is served, or
// FallbackSnapshot when nothing was ever fetched, with Err describing why.
func (o *Optimizer) FetchTipSnapshot(ctx context.Context, forceRefresh bool) types.TipSnapshotResult {
	result := o.fetchTipSnapshot(ctx, forceRefresh)
	if o.observer != nil {
		o.observer.ObserveTipSnapshot(result.Source)
	}
	return result
}

func (o *Optimizer) fetchTipSnapshot(ctx context.Context, forceRefresh bool) types.TipSnapshotResult {
	o.mu.RLock()
	cached, fetchedAt := o.cached, o.fetchedAt
	o.mu.RUnlock()

	if cached != nil && !forceRefresh && o.now().Sub(fetchedAt) < o.config.CacheTTL {
		return types.TipSnapshotResult{Snapshot: *cached, Source: types.SourceCached}
	}

	if o.feed == nil {
		return o.degrade(cached, fmt.Errorf("no tip feed configured"))
	}

	// Upstream is throttled; a throttled refresh keeps serving the cache
	if cached != nil && !o.limiter.AllowN(o.now(), 1) {
		var err error
		if forceRefresh {
			err = ErrRefreshThrottled
		}
		return types.TipSnapshotResult{Snapshot: *cached, Source: types.SourceCached, Err: err}
	}

	ch := o.group.DoChan(snapshotKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), o.config.FetchTimeout)
		defer cancel()

		snapshot, err := o.feed.FetchTipSnapshot(fetchCtx)
		if err != nil {
			return nil, err
		}
		snapshot, err = sanitize(snapshot)
		if err != nil {
			return nil, err
		}

		o.mu.Lock()
		o.cached = &snapshot
		o.fetchedAt = o.now()
		o.mu.Unlock()

		return snapshot, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return o.degrade(cached, res.Err)
		}
		return types.TipSnapshotResult{Snapshot: res.Val.(types.TipSnapshot), Source: types.SourceFresh}
	case <-ctx.Done():
		return o.degrade(cached, ctx.Err())
	}
}

func (o *Optimizer) degrade(cached *types.TipSnapshot, cause error) types.TipSnapshotResult {
	// a concurrent refresh may have landed since the caller looked
	o.mu.RLock()
	if o.cached != nil {
		cached = o.cached
	}
	o.mu.RUnlock()

	if cached != nil {
		o.logger.Warn("tip feed unavailable, serving cached snapshot", zap.Error(cause))
		return types.TipSnapshotResult{Snapshot: *cached, Source: types.SourceCached, Err: cause}
	}

	o.logger.Warn("tip feed unavailable, serving fallback snapshot", zap.Error(cause))
	fallback := FallbackSnapshot
	fallback.Time = o.now()
	return types.TipSnapshotResult{Snapshot: fallback, Source: types.SourceFallback, Err: cause}
}

// sanitize rejects unusable values and forces percentiles to be
// non-decreasing
func sanitize(s types.TipSnapshot) (types.TipSnapshot, error) {
	values := []*float64{&s.P25, &s.P50, &s.P75, &s.P95, &s.P99}
	for _, v := range append(values, &s.EMA50) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			return types.TipSnapshot{}, fmt.Errorf("%w: value %v", ErrInvalidSnapshot, *v)
		}
	}
	for i := 1; i < len(values); i++ {
		if *values[i] < *values[i-1] {
			*values[i] = *values[i-1]
		}
	}
	return s, nil
}

// TipAtPercentile returns the market tip at p in lamports, rounded up
func (o *Optimizer) TipAtPercentile(ctx context.Context, p int) (int64, error) {
	tip, _, err := o.tipAtPercentile(ctx, p)
	return tip, err
}

func (o *Optimizer) tipAtPercentile(ctx context.Context, p int) (int64, types.SnapshotSource, error) {
	if _, ok := FallbackSnapshot.Percentile(p); !ok {
		return 0, "", fmt.Errorf("percentile %d: %w", p, ErrInvalidPercentile)
	}
	result := o.FetchTipSnapshot(ctx, false)
	sol, _ := result.Snapshot.Percentile(p)
	return types.Lamports(sol), result.Source, nil
}

// CompetitionScore reduces competition signals to [0, 1]: volume and
// arbitrage frequency weigh 30% each, recent average bid and failed bundle
// rate 20% each
func CompetitionScore(metrics types.CompetitionMetrics) float64 {
	volume := clamp01(metrics.TokenPairVolume / volumeNormalization)
	frequency := clamp01(metrics.HistoricalArbCount / arbCountNormalization)
	avgBid := clamp01(metrics.AverageRecentBid / avgBidNormalization)
	failed := clamp01(metrics.FailedBundleRate)

	return volume*0.3 + frequency*0.3 + avgBid*0.2 + failed*0.2
}

// ProfitShare returns the share of expected profit a tier may bid
func (o *Optimizer) ProfitShare(tier types.CapitalTier) (float64, error) {
	switch tier {
	case types.CapitalSmall:
		return o.config.SmallShare, nil
	case types.CapitalMedium:
		return o.config.MediumShare, nil
	case types.CapitalLarge:
		return o.config.LargeShare, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
}

// RecommendedPercentile returns the market percentile suited to a tier
func RecommendedPercentile(tier types.CapitalTier) int {
	switch tier {
	case types.CapitalMedium:
		return 75
	case types.CapitalLarge:
		return 95
	default:
		return 50
	}
}

// CalculateOptimalTip scales the median market tip by competition and
// urgency, caps it at the tier's share of expected profit and at MaxTip, and
// floors it at MinTip. The bid never decreases when competition or urgency
// rise. Both signals are clamped to [0, 1].
func (o *Optimizer) CalculateOptimalTip(ctx context.Context, expectedProfit int64, competition, urgency float64, tier types.CapitalTier) (Quote, error) {
	share, err := o.ProfitShare(tier)
	if err != nil {
		return Quote{}, err
	}

	base, source, err := o.tipAtPercentile(ctx, 50)
	if err != nil {
		return Quote{}, err
	}

	dynamic := float64(base) * (1 + competitionWeight*clamp01(competition)) * (1 + urgencyWeight*clamp01(urgency))
	dynamicTip := int64(math.Ceil(dynamic))

	var ceiling int64
	if expectedProfit > 0 {
		ceiling = int64(math.Floor(float64(expectedProfit) * share))
	}

	bid := dynamicTip
	if ceiling < bid {
		bid = ceiling
	}
	if bid > o.config.MaxTip {
		bid = o.config.MaxTip
	}
	if bid < o.config.MinTip {
		bid = o.config.MinTip
	}

	return Quote{
		Bid:           bid,
		BaseTip:       base,
		DynamicTip:    dynamicTip,
		ProfitCeiling: ceiling,
		Source:        source,
	}, nil
}

// RecordBundleResult appends a bundle outcome to its pair's history
func (o *Optimizer) RecordBundleResult(result types.BundleResult) error {
	if result.TokenPair == "" {
		return fmt.Errorf("bundle result has no token pair")
	}
	if result.Bid < 0 {
		return fmt.Errorf("bundle result bid %d is negative", result.Bid)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = o.now()
	}

	o.history.Record(result)

	if o.observer != nil {
		o.observer.ObserveBundle(result.TokenPair, result.Success)
	}
	return nil
}

// RecommendedTip returns the smallest historical bid whose cumulative
// success rate, over every bundle at or below it, reaches
// desiredSuccessRate. With too little history it falls back to the 75th
// percentile market tip; when no bid qualifies it returns 1.5x the highest
// bid seen.
func (o *Optimizer) RecommendedTip(ctx context.Context, tokenPair string, desiredSuccessRate float64) (int64, error) {
	if desiredSuccessRate < 0 || desiredSuccessRate > 1 || math.IsNaN(desiredSuccessRate) {
		return 0, fmt.Errorf("desired success rate %v must be in [0, 1]", desiredSuccessRate)
	}

	results := o.history.Results(tokenPair)
	if len(results) < o.config.MinHistorySamples {
		return o.TipAtPercentile(ctx, 75)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Bid < results[j].Bid
	})

	var seen, successes int
	for i := 0; i < len(results); {
		bid := results[i].Bid
		for i < len(results) && results[i].Bid == bid {
			seen++
			if results[i].Success {
				successes++
			}
			i++
		}
		if float64(successes)/float64(seen) >= desiredSuccessRate {
			return bid, nil
		}
	}

	maxBid := results[len(results)-1].Bid
	return int64(math.Ceil(float64(maxBid) * fallbackMultiple)), nil
}

// HistoryStats aggregates recorded outcomes for a pair, or all pairs when
// tokenPair is empty
func (o *Optimizer) HistoryStats(tokenPair string) types.HistoryStats {
	return o.history.Stats(tokenPair)
}

// ClearHistory drops a pair's history, or all history when tokenPair is empty
func (o *Optimizer) ClearHistory(tokenPair string) {
	o.history.Clear(tokenPair)
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
