package interfaces

import (
	"context"
	"time"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// TipFeed supplies the current landed-tip percentile snapshot
type TipFeed interface {
	FetchTipSnapshot(ctx context.Context) (types.TipSnapshot, error)
}

// EngineObserver receives decision-core activity for telemetry
type EngineObserver interface {
	ObserveEvaluation(stage string, executed bool, duration time.Duration)
	ObserveBid(bid int64, netProfit int64)
	ObserveTipSnapshot(source types.SnapshotSource)
	ObserveBundle(tokenPair string, success bool)
	ObserveBreakerState(state string, hourlyProfit, hourlyLoss int64)
	ObserveBreakerTrip(reason string)
}

// AlertManager manages alerts and notifications
type AlertManager interface {
	SendAlert(ctx context.Context, alert *Alert) error
	GetActiveAlerts() ([]*Alert, error)
	AcknowledgeAlert(alertID string) error
}

// Alert represents an operational alert
type Alert struct {
	ID           string                 `json:"id"`
	Type         AlertType              `json:"type"`
	Severity     AlertSeverity          `json:"severity"`
	Message      string                 `json:"message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Acknowledged bool                   `json:"acknowledged"`
}

// AlertType categorizes alerts
type AlertType string

const (
	AlertTypeCircuitBreaker AlertType = "circuit_breaker"
	AlertTypeTipFeed        AlertType = "tip_feed"
	AlertTypeProfitability  AlertType = "profitability"
	AlertTypeSystem         AlertType = "system"
)

// AlertSeverity ranks alerts
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)
