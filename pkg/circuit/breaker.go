package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// State is the circuit breaker automaton state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateClosed, StateOpen, StateHalfOpen:
		return true
	}
	return false
}

// Defaults applied to zero-valued config fields
const (
	DefaultMaxConsecutiveFailures = 5
	DefaultMaxHourlyLoss          = int64(500_000_000) // 0.5 SOL
	DefaultMinSuccessRate         = 0.3
	DefaultMinSampleSize          = 20
	DefaultCooldownPeriod         = 5 * time.Minute
	DefaultHalfOpenTestAttempts   = 3

	hourlyWindow = time.Hour
)

// ErrInvalidConfig is returned for configs outside their domain
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config holds the trip thresholds and recovery policy
type Config struct {
	MaxConsecutiveFailures int     `json:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	MaxHourlyLoss          int64   `json:"max_hourly_loss" mapstructure:"max_hourly_loss"` // lamports, net of hourly profit
	MinSuccessRate         float64 `json:"min_success_rate" mapstructure:"min_success_rate"`

	// MinSampleSize is the attempt count before the success rate is checked
	MinSampleSize int `json:"min_sample_size" mapstructure:"min_sample_size"`

	CooldownPeriod       time.Duration `json:"cooldown_period" mapstructure:"cooldown_period"`
	HalfOpenTestAttempts int           `json:"half_open_test_attempts" mapstructure:"half_open_test_attempts"`
	AutoRecovery         bool          `json:"auto_recovery" mapstructure:"auto_recovery"`

	// NetLossMinAttempts trips the breaker on negative lifetime net profit
	// once this many attempts were made. Zero disables the check.
	NetLossMinAttempts int `json:"net_loss_min_attempts" mapstructure:"net_loss_min_attempts"`
}

// DefaultConfig returns the default breaker config with auto recovery enabled
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		MaxHourlyLoss:          DefaultMaxHourlyLoss,
		MinSuccessRate:         DefaultMinSuccessRate,
		MinSampleSize:          DefaultMinSampleSize,
		CooldownPeriod:         DefaultCooldownPeriod,
		HalfOpenTestAttempts:   DefaultHalfOpenTestAttempts,
		AutoRecovery:           true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.MaxHourlyLoss == 0 {
		c.MaxHourlyLoss = DefaultMaxHourlyLoss
	}
	if c.MinSampleSize == 0 {
		c.MinSampleSize = DefaultMinSampleSize
	}
	if c.CooldownPeriod == 0 {
		c.CooldownPeriod = DefaultCooldownPeriod
	}
	if c.HalfOpenTestAttempts == 0 {
		c.HalfOpenTestAttempts = DefaultHalfOpenTestAttempts
	}
	return c
}

// Validate checks the config after defaults are applied
func (c Config) Validate() error {
	switch {
	case c.MaxConsecutiveFailures < 1:
		return fmt.Errorf("%w: max consecutive failures must be >= 1", ErrInvalidConfig)
	case c.MaxHourlyLoss <= 0:
		return fmt.Errorf("%w: max hourly loss must be positive", ErrInvalidConfig)
	case c.MinSuccessRate < 0 || c.MinSuccessRate > 1:
		return fmt.Errorf("%w: min success rate must be in [0, 1]", ErrInvalidConfig)
	case c.MinSampleSize < 1:
		return fmt.Errorf("%w: min sample size must be >= 1", ErrInvalidConfig)
	case c.CooldownPeriod < 0:
		return fmt.Errorf("%w: cooldown period must not be negative", ErrInvalidConfig)
	case c.HalfOpenTestAttempts < 1:
		return fmt.Errorf("%w: half-open test attempts must be >= 1", ErrInvalidConfig)
	case c.NetLossMinAttempts < 0:
		return fmt.Errorf("%w: net loss min attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Metrics are the breaker's running counters
type Metrics struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HourlyProfit        int64     `json:"hourly_profit"`
	HourlyLoss          int64     `json:"hourly_loss"`
	TotalAttempts       int       `json:"total_attempts"`
	SuccessCount        int       `json:"success_count"`
	SuccessRate         float64   `json:"success_rate"`
	NetProfit           int64     `json:"net_profit"`
	HourStart           time.Time `json:"hour_start"`
}

// HourlyNetLoss returns hourly loss minus hourly profit
func (m Metrics) HourlyNetLoss() int64 {
	return m.HourlyLoss - m.HourlyProfit
}

// Decision is the result of evaluating the trip conditions
type Decision struct {
	ShouldBreak bool    `json:"should_break"`
	Reason      string  `json:"reason,omitempty"`
	Metrics     Metrics `json:"metrics"`
}

// Transition describes one state change
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	Metrics Metrics   `json:"metrics"`
}

// TransitionListener is notified after every state change, outside the lock
type TransitionListener func(Transition)

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithListener registers a transition listener
func WithListener(listener TransitionListener) Option {
	return func(b *Breaker) {
		if listener != nil {
			b.listeners = append(b.listeners, listener)
		}
	}
}

// Breaker is a closed/open/half-open trading halt fed with execution outcomes.
// One instance is shared per strategy; all methods are safe for concurrent use.
type Breaker struct {
	mu sync.RWMutex

	config    Config
	logger    *zap.Logger
	now       func() time.Time
	listeners []TransitionListener

	state             State
	metrics           Metrics
	breakTime         time.Time
	halfOpenSuccesses int
}

// New creates a closed circuit breaker. A nil config selects DefaultConfig.
func New(config *Config, opts ...Option) (*Breaker, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = config.withDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Breaker{
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = b.freshMetrics()

	return b, nil
}

// AddListener registers a transition listener after construction
func (b *Breaker) AddListener(listener TransitionListener) {
	if listener == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// Config returns the effective configuration
func (b *Breaker) Config() Config {
	return b.config
}

func (b *Breaker) freshMetrics() Metrics {
	return Metrics{HourStart: b.now()}
}

// RecordTransaction feeds one execution outcome into the breaker
func (b *Breaker) RecordTransaction(outcome types.TransactionOutcome) {
	b.mu.Lock()
	now := b.now()
	var transitions []Transition

	b.rollHourLocked(now)

	m := &b.metrics
	m.TotalAttempts++

	if outcome.Success {
		m.ConsecutiveFailures = 0
		m.SuccessCount++
		if outcome.Profit > 0 {
			m.HourlyProfit += outcome.Profit
			m.NetProfit += outcome.Profit
		}

		if b.state == StateHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.config.HalfOpenTestAttempts {
				transitions = append(transitions, b.closeLocked(now,
					fmt.Sprintf("%d consecutive successful test attempts", b.halfOpenSuccesses)))
			}
		}
	} else {
		m.ConsecutiveFailures++
		if outcome.Cost > 0 {
			m.HourlyLoss += outcome.Cost
			m.NetProfit -= outcome.Cost
		}

		if b.state == StateHalfOpen {
			transitions = append(transitions, b.openLocked(now, "failure during half-open test"))
		}
	}

	m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalAttempts)

	if b.state == StateClosed {
		if decision := b.evaluateLocked(); decision.ShouldBreak {
			transitions = append(transitions, b.openLocked(now, decision.Reason))
		}
	}

	listeners := b.listeners
	b.mu.Unlock()

	b.notify(listeners, transitions)
}

// ShouldBreak evaluates the trip conditions against the current metrics
// without changing state
func (b *Breaker) ShouldBreak() Decision {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evaluateLocked()
}

func (b *Breaker) evaluateLocked() Decision {
	m := b.metrics
	c := b.config
	decision := Decision{Metrics: m}

	switch {
	case m.ConsecutiveFailures >= c.MaxConsecutiveFailures:
		decision.ShouldBreak = true
		decision.Reason = fmt.Sprintf("%d consecutive failures reached limit %d",
			m.ConsecutiveFailures, c.MaxConsecutiveFailures)
	case m.HourlyNetLoss() >= c.MaxHourlyLoss:
		decision.ShouldBreak = true
		decision.Reason = fmt.Sprintf("hourly net loss %d lamports reached limit %d",
			m.HourlyNetLoss(), c.MaxHourlyLoss)
	case m.TotalAttempts >= c.MinSampleSize && m.SuccessRate < c.MinSuccessRate:
		decision.ShouldBreak = true
		decision.Reason = fmt.Sprintf("success rate %.1f%% below minimum %.1f%% over %d attempts",
			m.SuccessRate*100, c.MinSuccessRate*100, m.TotalAttempts)
	case c.NetLossMinAttempts > 0 && m.TotalAttempts >= c.NetLossMinAttempts && m.NetProfit < 0:
		decision.ShouldBreak = true
		decision.Reason = fmt.Sprintf("net profit negative (%d lamports) after %d attempts",
			m.NetProfit, m.TotalAttempts)
	}

	return decision
}

// CanAttempt reports whether a new execution may be attempted. An open
// breaker whose cooldown has elapsed moves to half-open here when auto
// recovery is enabled.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	var transitions []Transition
	allowed := true

	if b.state == StateOpen {
		now := b.now()
		if b.config.AutoRecovery && now.Sub(b.breakTime) >= b.config.CooldownPeriod {
			transitions = append(transitions, b.halfOpenLocked(now))
		} else {
			allowed = false
		}
	}

	listeners := b.listeners
	b.mu.Unlock()

	b.notify(listeners, transitions)
	return allowed
}

// Status returns the current state without triggering recovery
func (b *Breaker) Status() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Metrics returns a copy of the running counters
func (b *Breaker) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// HalfOpenProgress returns completed and required half-open test successes
func (b *Breaker) HalfOpenProgress() (done, required int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.halfOpenSuccesses, b.config.HalfOpenTestAttempts
}

// RemainingCooldown returns the time left before an open breaker may recover
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.remainingCooldownLocked(b.now())
}

func (b *Breaker) remainingCooldownLocked(now time.Time) time.Duration {
	if b.state != StateOpen {
		return 0
	}
	remaining := b.config.CooldownPeriod - now.Sub(b.breakTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset closes the breaker and clears every counter
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	from := b.state

	b.state = StateClosed
	b.breakTime = time.Time{}
	b.halfOpenSuccesses = 0
	b.metrics = b.freshMetrics()

	transition := Transition{From: from, To: StateClosed, Reason: "manual reset", At: now, Metrics: b.metrics}
	listeners := b.listeners
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset", zap.String("from", string(from)))
	b.notify(listeners, []Transition{transition})
}

// HealthScore rates the breaker 0-100: success rate weighs 40, distance from
// the consecutive-failure limit 30, lifetime profitability 30
func (b *Breaker) HealthScore() int {
	b.mu.RLock()
	m := b.metrics
	limit := b.config.MaxConsecutiveFailures
	b.mu.RUnlock()

	score := m.SuccessRate * 40

	failureRatio := float64(m.ConsecutiveFailures) / float64(limit)
	if failureScore := 30 - failureRatio*30; failureScore > 0 {
		score += failureScore
	}

	switch {
	case m.NetProfit == 0:
		score += 30
	case m.NetProfit > 0:
		profitScore := float64(m.NetProfit) / 100_000_000 * 10
		if profitScore > 30 {
			profitScore = 30
		}
		score += profitScore
	}

	rounded := int(score + 0.5)
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

func (b *Breaker) rollHourLocked(now time.Time) {
	if now.Sub(b.metrics.HourStart) <= hourlyWindow {
		return
	}
	b.logger.Info("hourly circuit breaker window reset",
		zap.Int64("hourly_profit", b.metrics.HourlyProfit),
		zap.Int64("hourly_loss", b.metrics.HourlyLoss))
	b.metrics.HourlyProfit = 0
	b.metrics.HourlyLoss = 0
	b.metrics.HourStart = now
}

func (b *Breaker) openLocked(now time.Time, reason string) Transition {
	from := b.state
	b.state = StateOpen
	b.breakTime = now
	b.halfOpenSuccesses = 0

	b.logger.Warn("circuit breaker opened",
		zap.String("from", string(from)),
		zap.String("reason", reason),
		zap.Duration("cooldown", b.config.CooldownPeriod),
		zap.Int("consecutive_failures", b.metrics.ConsecutiveFailures),
		zap.Int64("hourly_net_loss", b.metrics.HourlyNetLoss()))

	return Transition{From: from, To: StateOpen, Reason: reason, At: now, Metrics: b.metrics}
}

func (b *Breaker) halfOpenLocked(now time.Time) Transition {
	b.state = StateHalfOpen
	b.halfOpenSuccesses = 0

	b.logger.Info("circuit breaker half-open, testing recovery",
		zap.Int("test_attempts", b.config.HalfOpenTestAttempts))

	return Transition{From: StateOpen, To: StateHalfOpen, Reason: "cooldown elapsed", At: now, Metrics: b.metrics}
}

func (b *Breaker) closeLocked(now time.Time, reason string) Transition {
	from := b.state
	b.state = StateClosed
	b.breakTime = time.Time{}
	b.halfOpenSuccesses = 0

	b.logger.Info("circuit breaker closed", zap.String("reason", reason))

	return Transition{From: from, To: StateClosed, Reason: reason, At: now, Metrics: b.metrics}
}

func (b *Breaker) notify(listeners []TransitionListener, transitions []Transition) {
	for _, t := range transitions {
		for _, listener := range listeners {
			listener(t)
		}
	}
}
