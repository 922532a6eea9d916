package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mev-engine/arb-economics/internal/logging"
	"github.com/mev-engine/arb-economics/pkg/bidding"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/cost"
	"github.com/mev-engine/arb-economics/pkg/engine"
	"github.com/mev-engine/arb-economics/pkg/metrics"
	"github.com/mev-engine/arb-economics/pkg/profit"
	"github.com/mev-engine/arb-economics/pkg/risk"
	"github.com/mev-engine/arb-economics/pkg/types"
)

// EnvPrefix is prepended to every environment override, e.g. ARB_SERVER_PORT
const EnvPrefix = "ARB"

// Tip feed modes
const (
	FeedModeHTTP = "http"
	FeedModeWS   = "ws"
	FeedModeNone = "none"
)

// Config holds all configuration for the arbitrage engine
type Config struct {
	Cost           types.CostConfig           `mapstructure:"cost"`
	Profit         profit.AnalyzerConfig      `mapstructure:"profit"`
	Risk           RiskConfig                 `mapstructure:"risk"`
	CircuitBreaker BreakerConfig              `mapstructure:"circuit_breaker"`
	Bidding        BiddingConfig              `mapstructure:"bidding"`
	Engine         EngineConfig               `mapstructure:"engine"`
	Server         ServerConfig               `mapstructure:"server"`
	Metrics        MetricsConfig              `mapstructure:"metrics"`
	Alerts         metrics.AlertManagerConfig `mapstructure:"alerts"`
	Logging        LoggingConfig              `mapstructure:"logging"`
}

// RiskConfig contains the gate settings and the pre-execution thresholds
type RiskConfig struct {
	risk.GateConfig `mapstructure:",squash"`
	Checks          types.RiskCheckConfig `mapstructure:"checks"`
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	circuit.Config `mapstructure:",squash"`

	// RestoreFile is an exported breaker snapshot loaded at startup
	RestoreFile string `mapstructure:"restore_file"`
}

// BiddingConfig contains the optimizer settings and its market data feed
type BiddingConfig struct {
	bidding.Config `mapstructure:",squash"`
	Feed           FeedConfig `mapstructure:"feed"`
}

// FeedConfig selects where landed-tip percentiles come from
type FeedConfig struct {
	Mode      string        `mapstructure:"mode"`
	URL       string        `mapstructure:"url"`
	StreamURL string        `mapstructure:"stream_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// EngineConfig contains the per-strategy pipeline settings
type EngineConfig struct {
	CapitalTier      types.CapitalTier `mapstructure:"capital_tier"`
	AvailableCapital int64             `mapstructure:"available_capital"`
	RiskTolerance    float64           `mapstructure:"risk_tolerance"`
}

// ServerConfig contains operator API configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second per client
	RateBurst      int           `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsConfig contains Prometheus collector configuration
type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	metrics.CollectorConfig `mapstructure:",squash"`
}

// LoggingConfig contains logger configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from the .env file, the config file and
// environment variables. An empty path searches ./configs and the working
// directory for config.yaml; a missing file there is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	// Set defaults
	setDefaults()

	// Enable environment variable support
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks the sections that are not validated by their components,
// and dry-runs the component validators so a bad file fails at load
func (c *Config) Validate() error {
	if err := cost.Validate(c.Cost); err != nil {
		return fmt.Errorf("cost: %w", err)
	}
	if err := c.Pipeline().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.CircuitBreaker.Config.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if _, err := profit.NewAnalyzer(&c.Profit); err != nil {
		return fmt.Errorf("profit: %w", err)
	}
	if _, err := risk.NewGate(&c.Risk.GateConfig); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	switch c.Bidding.Feed.Mode {
	case FeedModeHTTP:
		if c.Bidding.Feed.URL == "" {
			return fmt.Errorf("bidding: feed url is required in %s mode", FeedModeHTTP)
		}
	case FeedModeWS:
		if c.Bidding.Feed.StreamURL == "" {
			return fmt.Errorf("bidding: feed stream_url is required in %s mode", FeedModeWS)
		}
	case FeedModeNone:
	default:
		return fmt.Errorf("bidding: unknown feed mode %q", c.Bidding.Feed.Mode)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server: rate limit and burst must not be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// Pipeline returns the engine settings assembled from the cost, risk and
// engine sections
func (c *Config) Pipeline() engine.Config {
	return engine.Config{
		Cost:             c.Cost,
		Risk:             c.Risk.Checks,
		CapitalTier:      c.Engine.CapitalTier,
		AvailableCapital: c.Engine.AvailableCapital,
		RiskTolerance:    c.Engine.RiskTolerance,
	}
}

// setDefaults sets default configuration values
func setDefaults() {
	// Cost defaults
	viper.SetDefault("cost.signature_count", 1)
	viper.SetDefault("cost.compute_units", 0) // 0 estimates from the transaction shape
	viper.SetDefault("cost.compute_unit_price", 10)
	viper.SetDefault("cost.use_flash_loan", false)
	viper.SetDefault("cost.flash_loan_amount", 0)
	viper.SetDefault("cost.network_overhead", types.DefaultNetworkOverhead)

	// Profit defaults
	viper.SetDefault("profit.conservative", false)
	viper.SetDefault("profit.slippage_buffer", profit.DefaultSlippageBuffer)

	// Risk defaults
	viper.SetDefault("risk.max_opportunity_age", types.OpportunityTTL.String())
	viper.SetDefault("risk.sol_price_usd", risk.DefaultSOLPriceUSD)
	viper.SetDefault("risk.flash_loan_min_size", risk.DefaultFlashLoanMinSize)
	viper.SetDefault("risk.checks.min_profit_threshold", 100_000) // 0.0001 SOL
	viper.SetDefault("risk.checks.max_priority_fee", 1_000_000)
	viper.SetDefault("risk.checks.max_bid", 10_000_000)
	viper.SetDefault("risk.checks.max_slippage", 0.01)
	viper.SetDefault("risk.checks.min_liquidity", 50_000.0) // USD
	viper.SetDefault("risk.checks.min_roi", 10.0)           // percent

	// Circuit breaker defaults
	viper.SetDefault("circuit_breaker.max_consecutive_failures", circuit.DefaultMaxConsecutiveFailures)
	viper.SetDefault("circuit_breaker.max_hourly_loss", circuit.DefaultMaxHourlyLoss) // 0.5 SOL
	viper.SetDefault("circuit_breaker.min_success_rate", circuit.DefaultMinSuccessRate)
	viper.SetDefault("circuit_breaker.min_sample_size", circuit.DefaultMinSampleSize)
	viper.SetDefault("circuit_breaker.cooldown_period", circuit.DefaultCooldownPeriod.String())
	viper.SetDefault("circuit_breaker.half_open_test_attempts", circuit.DefaultHalfOpenTestAttempts)
	viper.SetDefault("circuit_breaker.auto_recovery", true)
	viper.SetDefault("circuit_breaker.net_loss_min_attempts", 0) // disabled
	viper.SetDefault("circuit_breaker.restore_file", "")

	// Bidding defaults
	viper.SetDefault("bidding.cache_ttl", bidding.DefaultCacheTTL.String())
	viper.SetDefault("bidding.fetch_timeout", bidding.DefaultFetchTimeout.String())
	viper.SetDefault("bidding.refresh_interval", bidding.DefaultRefreshInterval.String())
	viper.SetDefault("bidding.history_size", bidding.DefaultHistorySize)
	viper.SetDefault("bidding.max_tracked_pairs", bidding.DefaultMaxTrackedPairs)
	viper.SetDefault("bidding.min_history_samples", bidding.DefaultMinHistorySamples)
	viper.SetDefault("bidding.min_tip", bidding.DefaultMinTip)
	viper.SetDefault("bidding.max_tip", bidding.DefaultMaxTip) // 0.1 SOL
	viper.SetDefault("bidding.small_share", bidding.DefaultSmallShare)
	viper.SetDefault("bidding.medium_share", bidding.DefaultMediumShare)
	viper.SetDefault("bidding.large_share", bidding.DefaultLargeShare)
	viper.SetDefault("bidding.feed.mode", FeedModeHTTP)
	viper.SetDefault("bidding.feed.url", bidding.DefaultTipFloorURL)
	viper.SetDefault("bidding.feed.stream_url", bidding.DefaultTipStreamURL)
	viper.SetDefault("bidding.feed.timeout", "5s")
	viper.SetDefault("bidding.feed.max_age", "30s")

	// Engine defaults
	viper.SetDefault("engine.capital_tier", string(types.CapitalSmall))
	viper.SetDefault("engine.available_capital", 0) // 0 keeps cost.use_flash_loan as configured
	viper.SetDefault("engine.risk_tolerance", risk.DefaultRiskTolerance)

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.rate_limit", 10.0)
	viper.SetDefault("server.rate_burst", 20)
	viper.SetDefault("server.allowed_origins", []string{"*"})

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.namespace", "arb")
	viper.SetDefault("metrics.bid_window", 500)

	// Alert defaults
	viper.SetDefault("alerts.max_alerts", 1000)
	viper.SetDefault("alerts.alert_retention", "24h")
	viper.SetDefault("alerts.dedupe_window", "1m")
	viper.SetDefault("alerts.cleanup_interval", "1h")
	viper.SetDefault("alerts.webhook_url", "")
	viper.SetDefault("alerts.webhook_timeout", "5s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)
}
