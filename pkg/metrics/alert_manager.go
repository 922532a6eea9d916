package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
)

// AlertManager implements the AlertManager interface
type AlertManager struct {
	mu sync.RWMutex

	alerts   map[string]*interfaces.Alert
	lastSent map[string]time.Time

	config *AlertManagerConfig
	logger *zap.Logger
	client *http.Client
	now    func() time.Time

	listeners []AlertListener

	webhookChan chan *interfaces.Alert
	stopChan    chan struct{}
	wg          sync.WaitGroup
	running     bool
}

// AlertListener is called for every stored alert
type AlertListener func(*interfaces.Alert)

// AlertManagerConfig contains configuration for the alert manager
type AlertManagerConfig struct {
	MaxAlerts       int           `mapstructure:"max_alerts"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
	DedupeWindow    time.Duration `mapstructure:"dedupe_window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

func defaultAlertManagerConfig() *AlertManagerConfig {
	return &AlertManagerConfig{
		MaxAlerts:       1000,
		AlertRetention:  24 * time.Hour,
		DedupeWindow:    time.Minute,
		CleanupInterval: time.Hour,
		WebhookTimeout:  5 * time.Second,
	}
}

// NewAlertManager creates a new alert manager
func NewAlertManager(config *AlertManagerConfig, logger *zap.Logger) *AlertManager {
	defaults := defaultAlertManagerConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = defaults.MaxAlerts
	}
	if config.AlertRetention <= 0 {
		config.AlertRetention = defaults.AlertRetention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = defaults.WebhookTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AlertManager{
		alerts:      make(map[string]*interfaces.Alert),
		lastSent:    make(map[string]time.Time),
		config:      config,
		logger:      logger,
		client:      &http.Client{Timeout: config.WebhookTimeout},
		now:         time.Now,
		webhookChan: make(chan *interfaces.Alert, 100),
	}
}

// AddListener registers a callback for stored alerts. Duplicates dropped by
// the dedupe window are not reported.
func (am *AlertManager) AddListener(listener AlertListener) {
	if listener == nil {
		return
	}
	am.mu.Lock()
	am.listeners = append(am.listeners, listener)
	am.mu.Unlock()
}

// Start starts webhook delivery and retention cleanup. A stopped manager
// can be started again.
func (am *AlertManager) Start(ctx context.Context) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	if am.running {
		return fmt.Errorf("alert manager is already running")
	}
	am.running = true
	am.stopChan = make(chan struct{})

	am.wg.Add(2)
	go am.deliverWebhooks(ctx, am.stopChan)
	go am.cleanup(ctx, am.stopChan)

	return nil
}

// Stop stops the background goroutines and waits for them to exit
func (am *AlertManager) Stop() error {
	am.mu.Lock()
	if !am.running {
		am.mu.Unlock()
		return fmt.Errorf("alert manager is not running")
	}
	close(am.stopChan)
	am.running = false
	am.mu.Unlock()

	am.wg.Wait()
	return nil
}

// SendAlert stores and logs an alert and queues it for webhook delivery.
// An identical alert (same type and message) inside the dedupe window is
// dropped.
func (am *AlertManager) SendAlert(ctx context.Context, alert *interfaces.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := am.now()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}

	key := string(alert.Type) + "|" + alert.Message

	am.mu.Lock()
	if last, ok := am.lastSent[key]; ok && am.config.DedupeWindow > 0 && now.Sub(last) < am.config.DedupeWindow {
		am.mu.Unlock()
		return nil
	}
	am.lastSent[key] = now
	am.alerts[alert.ID] = alert
	if len(am.alerts) > am.config.MaxAlerts {
		am.evictOldestAlert()
	}
	listeners := append([]AlertListener(nil), am.listeners...)
	am.mu.Unlock()

	am.logAlert(alert)
	for _, listener := range listeners {
		listener(alert)
	}

	if am.config.WebhookURL != "" {
		select {
		case am.webhookChan <- alert:
		default:
			am.logger.Warn("alert webhook queue full, dropping delivery", zap.String("alert_id", alert.ID))
		}
	}
	return nil
}

// GetActiveAlerts returns unacknowledged alerts, newest first
func (am *AlertManager) GetActiveAlerts() ([]*interfaces.Alert, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	active := make([]*interfaces.Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		if !alert.Acknowledged {
			copied := *alert
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Timestamp.After(active[j].Timestamp)
	})

	return active, nil
}

// AcknowledgeAlert acknowledges an alert
func (am *AlertManager) AcknowledgeAlert(alertID string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, exists := am.alerts[alertID]
	if !exists {
		return fmt.Errorf("alert with ID %s not found", alertID)
	}
	alert.Acknowledged = true
	return nil
}

// OnBreakerTransition raises an alert for each breaker state change. It
// satisfies circuit.TransitionListener.
func (am *AlertManager) OnBreakerTransition(t circuit.Transition) {
	severity := interfaces.AlertSeverityInfo
	switch t.To {
	case circuit.StateOpen:
		severity = interfaces.AlertSeverityCritical
	case circuit.StateHalfOpen:
		severity = interfaces.AlertSeverityWarning
	}

	alert := &interfaces.Alert{
		Type:     interfaces.AlertTypeCircuitBreaker,
		Severity: severity,
		Message:  fmt.Sprintf("circuit breaker %s -> %s: %s", t.From, t.To, t.Reason),
		Details: map[string]interface{}{
			"from":                 string(t.From),
			"to":                   string(t.To),
			"consecutive_failures": t.Metrics.ConsecutiveFailures,
			"hourly_profit":        t.Metrics.HourlyProfit,
			"hourly_loss":          t.Metrics.HourlyLoss,
			"success_rate":         t.Metrics.SuccessRate,
		},
		Timestamp: t.At,
	}
	if err := am.SendAlert(context.Background(), alert); err != nil {
		am.logger.Error("failed to raise circuit breaker alert", zap.Error(err))
	}
}

func (am *AlertManager) logAlert(alert *interfaces.Alert) {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("details", alert.Details),
	}
	switch alert.Severity {
	case interfaces.AlertSeverityCritical, interfaces.AlertSeverityError:
		am.logger.Error(alert.Message, fields...)
	case interfaces.AlertSeverityWarning:
		am.logger.Warn(alert.Message, fields...)
	default:
		am.logger.Info(alert.Message, fields...)
	}
}

func (am *AlertManager) deliverWebhooks(ctx context.Context, stop <-chan struct{}) {
	defer am.wg.Done()

	for {
		select {
		case alert := <-am.webhookChan:
			if err := am.sendWebhook(ctx, alert); err != nil {
				am.logger.Warn("alert webhook delivery failed",
					zap.String("alert_id", alert.ID),
					zap.Error(err))
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sendWebhook posts the alert as JSON to the configured URL
func (am *AlertManager) sendWebhook(ctx context.Context, alert *interfaces.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, am.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := am.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// cleanup periodically drops alerts past the retention period
func (am *AlertManager) cleanup(ctx context.Context, stop <-chan struct{}) {
	defer am.wg.Done()

	ticker := time.NewTicker(am.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			am.cleanupOldAlerts()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanupOldAlerts removes old alerts based on retention policy
func (am *AlertManager) cleanupOldAlerts() {
	am.mu.Lock()
	defer am.mu.Unlock()

	cutoff := am.now().Add(-am.config.AlertRetention)
	for id, alert := range am.alerts {
		if alert.Timestamp.Before(cutoff) {
			delete(am.alerts, id)
		}
	}
	for key, at := range am.lastSent {
		if at.Before(cutoff) {
			delete(am.lastSent, key)
		}
	}
}

// evictOldestAlert removes the oldest alert to maintain size limit
func (am *AlertManager) evictOldestAlert() {
	var oldestID string
	var oldestTime time.Time

	for id, alert := range am.alerts {
		if oldestID == "" || alert.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = alert.Timestamp
		}
	}

	if oldestID != "" {
		delete(am.alerts, oldestID)
	}
}
