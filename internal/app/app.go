package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/internal/api"
	"github.com/mev-engine/arb-economics/internal/config"
	"github.com/mev-engine/arb-economics/internal/logging"
	"github.com/mev-engine/arb-economics/pkg/bidding"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/engine"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/metrics"
	"github.com/mev-engine/arb-economics/pkg/profit"
	"github.com/mev-engine/arb-economics/pkg/risk"
)

// Application represents the running engine process
type Application struct {
	config *config.Config
	logger *zap.Logger
	engine *engine.Engine
	feed   *TipFeed
	alerts *metrics.AlertManager
	server *api.Server

	stopStream context.CancelFunc
	streamDone chan struct{}
}

// NewApplication creates a new application instance
func NewApplication(
	cfg *config.Config,
	logger *zap.Logger,
	eng *engine.Engine,
	feed *TipFeed,
	alerts *metrics.AlertManager,
	server *api.Server,
) *Application {
	return &Application{
		config: cfg,
		logger: logger,
		engine: eng,
		feed:   feed,
		alerts: alerts,
		server: server,
	}
}

// Start starts alerting, the tip stream and the operator API
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("starting arbitrage engine",
		zap.String("addr", a.config.Server.Addr()),
		zap.String("tip_feed", a.config.Bidding.Feed.Mode),
		zap.String("capital_tier", string(a.config.Engine.CapitalTier)))

	if err := a.alerts.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start alert manager: %w", err)
	}

	if stream := a.feed.Stream; stream != nil {
		// The optimizer serves fallback percentiles until the stream delivers
		if err := stream.Connect(ctx); err != nil {
			a.logger.Warn("tip stream unavailable, bidding on fallback percentiles", zap.Error(err))
		}
		streamCtx, cancel := context.WithCancel(context.Background())
		a.stopStream = cancel
		a.streamDone = make(chan struct{})
		go func() {
			defer close(a.streamDone)
			stream.Maintain(streamCtx)
		}()
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	result := a.engine.Bidder().FetchTipSnapshot(ctx, true)
	a.logger.Info("arbitrage engine started",
		zap.String("tip_source", string(result.Source)),
		zap.String("breaker_state", string(a.engine.Breaker().Status())))
	return nil
}

// Stop stops the engine components in reverse order
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("stopping arbitrage engine")

	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		firstErr = err
	}
	if a.feed.Stream != nil {
		if a.stopStream != nil {
			a.stopStream()
			<-a.streamDone
		}
		if err := a.feed.Stream.Close(); err != nil {
			a.logger.Warn("error closing tip stream", zap.Error(err))
		}
	}
	if err := a.alerts.Stop(); err != nil {
		a.logger.Warn("error stopping alert manager", zap.Error(err))
	}

	snapshot := a.engine.Breaker().Export()
	a.logger.Info("arbitrage engine stopped",
		zap.String("breaker_state", string(snapshot.State)),
		zap.Int64("net_profit", snapshot.Metrics.NetProfit))
	_ = a.logger.Sync()
	return firstErr
}

// TipFeed is the configured market data source. Stream is set when the feed
// is a websocket that needs connecting.
type TipFeed struct {
	Feed   interfaces.TipFeed
	Stream *bidding.WSTipFeed
}

// NewLogger builds the process logger from the logging section
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Development)
}

// NewRegistry creates the Prometheus registry with runtime collectors
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewCollector creates the engine metrics collector
func NewCollector(cfg *config.Config, registry *prometheus.Registry) *metrics.Collector {
	collectorCfg := cfg.Metrics.CollectorConfig
	return metrics.NewCollectorWithRegistry(&collectorCfg, registry)
}

// NewAlertManager creates the alert manager
func NewAlertManager(cfg *config.Config, logger *zap.Logger) *metrics.AlertManager {
	alertsCfg := cfg.Alerts
	return metrics.NewAlertManager(&alertsCfg, logger.Named("alerts"))
}

// NewEventStream creates the websocket event stream and subscribes it to
// alerts
func NewEventStream(alerts *metrics.AlertManager, logger *zap.Logger) *api.EventStream {
	stream := api.NewEventStream(logger.Named("stream"))
	alerts.AddListener(stream.PublishAlert)
	return stream
}

// NewBreaker creates the circuit breaker, restoring it from the configured
// snapshot file when one is set
func NewBreaker(
	cfg *config.Config,
	logger *zap.Logger,
	collector *metrics.Collector,
	alerts *metrics.AlertManager,
	stream *api.EventStream,
) (*circuit.Breaker, error) {
	opts := []circuit.Option{
		circuit.WithLogger(logger.Named("breaker")),
		circuit.WithListener(collector.OnBreakerTransition),
		circuit.WithListener(alerts.OnBreakerTransition),
		circuit.WithListener(stream.OnBreakerTransition),
	}

	path := cfg.CircuitBreaker.RestoreFile
	if path == "" {
		breakerCfg := cfg.CircuitBreaker.Config
		return circuit.New(&breakerCfg, opts...)
	}

	snapshot, err := LoadBreakerSnapshot(path)
	if err != nil {
		return nil, err
	}
	breaker, err := circuit.Restore(snapshot, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("circuit breaker restored",
		zap.String("file", path),
		zap.String("state", string(breaker.Status())),
		zap.Duration("remaining_cooldown", breaker.RemainingCooldown()))
	return breaker, nil
}

// LoadBreakerSnapshot reads an exported breaker snapshot from disk
func LoadBreakerSnapshot(path string) (circuit.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return circuit.Snapshot{}, fmt.Errorf("failed to read breaker snapshot: %w", err)
	}
	var snapshot circuit.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return circuit.Snapshot{}, fmt.Errorf("failed to decode breaker snapshot %s: %w", path, err)
	}
	return snapshot, nil
}

// NewTipFeed builds the market data feed selected by bidding.feed.mode
func NewTipFeed(cfg *config.Config, logger *zap.Logger) (*TipFeed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	feedCfg := cfg.Bidding.Feed
	switch feedCfg.Mode {
	case config.FeedModeHTTP:
		client := &http.Client{Timeout: feedCfg.Timeout}
		return &TipFeed{Feed: bidding.NewHTTPTipFeed(feedCfg.URL, client)}, nil
	case config.FeedModeWS:
		stream := bidding.NewWSTipFeed(feedCfg.StreamURL, feedCfg.MaxAge, logger.Named("tip_stream"))
		return &TipFeed{Feed: stream, Stream: stream}, nil
	case config.FeedModeNone:
		return &TipFeed{}, nil
	}
	return nil, fmt.Errorf("unknown tip feed mode %q", feedCfg.Mode)
}

// NewOptimizer creates the bidding optimizer on the configured feed
func NewOptimizer(cfg *config.Config, feed *TipFeed, logger *zap.Logger, collector *metrics.Collector) (*bidding.Optimizer, error) {
	biddingCfg := cfg.Bidding.Config
	return bidding.NewOptimizer(&biddingCfg, feed.Feed,
		bidding.WithLogger(logger.Named("bidding")),
		bidding.WithObserver(collector))
}

// NewGate creates the risk gate
func NewGate(cfg *config.Config) (*risk.Gate, error) {
	gateCfg := cfg.Risk.GateConfig
	return risk.NewGate(&gateCfg)
}

// NewAnalyzer creates the profit analyzer
func NewAnalyzer(cfg *config.Config) (*profit.Analyzer, error) {
	analyzerCfg := cfg.Profit
	return profit.NewAnalyzer(&analyzerCfg)
}

// NewEngine assembles the decision pipeline
func NewEngine(
	cfg *config.Config,
	gate *risk.Gate,
	analyzer *profit.Analyzer,
	breaker *circuit.Breaker,
	bidder *bidding.Optimizer,
	collector *metrics.Collector,
	alerts *metrics.AlertManager,
	logger *zap.Logger,
) (*engine.Engine, error) {
	return engine.New(cfg.Pipeline(), gate, analyzer, breaker, bidder,
		engine.WithObserver(collector),
		engine.WithAlerts(alerts),
		engine.WithLogger(logger.Named("engine")))
}

// NewHandlers creates the API handlers; /metrics is served only when
// metrics are enabled
func NewHandlers(
	cfg *config.Config,
	eng *engine.Engine,
	alerts *metrics.AlertManager,
	collector *metrics.Collector,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *api.Handlers {
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = registry
	}
	return api.NewHandlers(eng, alerts, collector, gatherer, logger.Named("api"))
}

// NewServer creates the operator API server
func NewServer(cfg *config.Config, handlers *api.Handlers, stream *api.EventStream, logger *zap.Logger) *api.Server {
	return api.NewServer(cfg.Server, handlers, stream, logger.Named("api"))
}

// Module provides the fx module for dependency injection
var Module = fx.Options(
	fx.Provide(
		NewLogger,
		NewRegistry,
		NewCollector,
		NewAlertManager,
		NewEventStream,
		NewBreaker,
		NewTipFeed,
		NewOptimizer,
		NewGate,
		NewAnalyzer,
		NewEngine,
		NewHandlers,
		NewServer,
		NewApplication,
	),
	fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}),
	fx.Invoke(registerHooks),
)

// registerHooks ties the application to the fx lifecycle
func registerHooks(lifecycle fx.Lifecycle, app *Application) {
	lifecycle.Append(fx.Hook{
		OnStart: app.Start,
		OnStop:  app.Stop,
	})
}
