package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeliveryFailureRate AlertType = "delivery_failure_rate"
	AlertSpendOverrun        AlertType = "spend_overrun"
	AlertDeadLetterBacklog   AlertType = "dead_letter_backlog"
)

// minDeliveriesForRate avoids paging on a tiny sample.
const minDeliveriesForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	hours := snap.Window.Hours()

	if snap.Deliveries >= minDeliveriesForRate && snap.DeliveryFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeliveryFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Delivery failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d deliveries in last %.1fh)",
				snap.DeliveryFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.DeliveryFailures, snap.Deliveries, hours,
			),
			Details: map[string]any{
				"failure_rate": snap.DeliveryFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.DeliveryFailures,
				"deliveries":   snap.Deliveries,
			},
			Timestamp: now,
		})
	}

	if a.cfg.SpendThresholdUSD > 0 && snap.SpendUSD > a.cfg.SpendThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertSpendOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Model spend $%.2f exceeds threshold $%.2f in last %.1fh",
				snap.SpendUSD, a.cfg.SpendThresholdUSD, hours,
			),
			Details: map[string]any{
				"spend_usd":     snap.SpendUSD,
				"threshold_usd": a.cfg.SpendThresholdUSD,
				"verifications": snap.Verifications,
			},
			Timestamp: now,
		})
	}

	if snap.DLQDepth > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterBacklog,
			Severity: "medium",
			Message:  fmt.Sprintf("%d document(s) in the dead letter queue", snap.DLQDepth),
			Details: map[string]any{
				"dlq_depth": snap.DLQDepth,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
