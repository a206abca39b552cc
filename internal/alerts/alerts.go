// Package alerts fans operator alerts out to the configured channels.
// These are ops-facing pages: routing integrity breaches, training
// failures, dependency outages. User-facing notifications are the
// delivery package's business, never this one's.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fxsage/fxadvisor/internal/config"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents one operator notification
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// defaultThrottle is how long repeats of the same alert title are
// suppressed. A dependency that stays down would otherwise page on
// every schedule tick.
const defaultThrottle = 15 * time.Minute

// Manager fans alerts out to every configured channel. Repeats of the
// same title inside the throttle window are dropped; one incident,
// one page.
type Manager struct {
	alerters []Alerter

	mu       sync.Mutex
	window   time.Duration
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewManager creates a manager over the given channels
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		window:   defaultThrottle,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Send delivers the alert on every channel and returns the last
// channel error, if any. A throttled repeat is silently dropped.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.now().UTC()
	}
	if alert.Severity == "" {
		alert.Severity = SeverityInfo
	}

	if m.throttled(alert.Title, alert.Timestamp) {
		return nil
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send operator alert")
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) throttled(title string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.lastSent[title]; ok && now.Sub(at) < m.window {
		return true
	}
	m.lastSent[title] = now
	return false
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter writes alerts to the service log. It is always part of
// the manager so a page is never lost to a misconfigured channel.
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send logs the alert at the level matching its severity
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	var event *zerolog.Event
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	default:
		event = log.Info()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert", alert.Title).
		Str("severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(alert.Message)

	return nil
}

// FromConfig assembles the manager: the service log always, Telegram
// when enabled.
func FromConfig(cfg config.AlertsConfig) (*Manager, error) {
	alerters := []Alerter{NewLogAlerter()}
	if cfg.TelegramEnabled {
		tg, err := NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatIDs)
		if err != nil {
			return nil, fmt.Errorf("telegram alerter: %w", err)
		}
		alerters = append(alerters, tg)
	}
	return NewManager(alerters...), nil
}

// Default global alert manager (replaced at startup via FromConfig)
var defaultManager = NewManager(NewLogAlerter())

// GetDefaultManager returns the default alert manager
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager sets the default alert manager
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for common alerts

// AlertTrainingFailed pages when a scheduled training run fails. The
// active model is untouched and the next cycle retries, so this is a
// warning, not a page-the-world.
func AlertTrainingFailed(ctx context.Context, runType string, err error) {
	defaultManager.SendWarning(ctx, "Training Run Failed", fmt.Sprintf(
		"%s training run failed: %v", runType, err,
	), map[string]interface{}{
		"run_type": runType,
		"error":    err.Error(),
	})
}

// AlertRoutingIntegrity pages when the model routing table refuses to
// route, such as two active versions with no running test. Predictions
// are suspended until an operator intervenes.
func AlertRoutingIntegrity(ctx context.Context, err error) {
	defaultManager.SendCritical(ctx, "Model Routing Integrity Breach", fmt.Sprintf(
		"Routing table refused to load: %v", err,
	), map[string]interface{}{
		"error": err.Error(),
	})
}

// AlertPredictorUnavailable pages on a circuit breaker transition into
// the open state: every signal and position check is blind until the
// predictor recovers.
func AlertPredictorUnavailable(ctx context.Context, from, to string) {
	defaultManager.SendCritical(ctx, "Predictor Circuit Open", fmt.Sprintf(
		"Predictor circuit breaker moved from %s to %s; predictions suspended", from, to,
	), map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// AlertSystemError pages for errors no component can recover from on
// its own.
func AlertSystemError(ctx context.Context, component string, err error) {
	defaultManager.SendCritical(ctx, "System Error", fmt.Sprintf(
		"Critical error in %s: %v", component, err,
	), map[string]interface{}{
		"component": component,
		"error":     err.Error(),
	})
}
