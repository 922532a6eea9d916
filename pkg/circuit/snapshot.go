package circuit

import (
	"fmt"
	"time"
)

// Snapshot is the serializable breaker state used across restarts
type Snapshot struct {
	Config            Config        `json:"config"`
	State             State         `json:"state"`
	Metrics           Metrics       `json:"metrics"`
	BreakTime         time.Time     `json:"break_time,omitempty"`
	RemainingCooldown time.Duration `json:"remaining_cooldown"`
	HalfOpenSuccesses int           `json:"half_open_successes"`
	ExportedAt        time.Time     `json:"exported_at"`
}

// Export captures the full breaker state, including the remaining cooldown
func (b *Breaker) Export() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	return Snapshot{
		Config:            b.config,
		State:             b.state,
		Metrics:           b.metrics,
		BreakTime:         b.breakTime,
		RemainingCooldown: b.remainingCooldownLocked(now),
		HalfOpenSuccesses: b.halfOpenSuccesses,
		ExportedAt:        now,
	}
}

// Restore rebuilds a breaker from a snapshot. An open breaker keeps its
// remaining cooldown measured from the restore time, not the export time.
func Restore(snapshot Snapshot, opts ...Option) (*Breaker, error) {
	if !snapshot.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidConfig, snapshot.State)
	}

	config := snapshot.Config
	b, err := New(&config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to restore circuit breaker: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = snapshot.State
	b.metrics = snapshot.Metrics
	if b.metrics.HourStart.IsZero() {
		b.metrics.HourStart = b.now()
	}

	switch snapshot.State {
	case StateOpen:
		remaining := snapshot.RemainingCooldown
		if remaining < 0 {
			remaining = 0
		}
		if remaining > b.config.CooldownPeriod {
			remaining = b.config.CooldownPeriod
		}
		b.breakTime = b.now().Add(remaining - b.config.CooldownPeriod)
	case StateHalfOpen:
		b.halfOpenSuccesses = snapshot.HalfOpenSuccesses
	}

	return b, nil
}
