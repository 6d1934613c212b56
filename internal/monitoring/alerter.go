// Package monitoring watches the A/B comparison for regressions in the new
// pipeline and raises webhook alerts when it degrades.
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

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/metrics"
)

// minFinishedRuns is the minimum number of finished runs before rate-based
// alerts fire. Below this, one bad run swings the rate too hard.
const minFinishedRuns = 5

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPipelineFailureRate AlertType = "pipeline_failure_rate"
	AlertAcceptRateCollapse  AlertType = "accept_rate_collapse"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates an arm-metrics snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
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

// Evaluate checks the new-pipeline arm against thresholds and returns any
// alerts. The legacy arm is the control; it never alerts on its own.
func (a *Alerter) Evaluate(snap *metrics.Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	arm := snap.NewPipeline

	finished := arm.Complete + arm.Failed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedRuns && arm.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPipelineFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"New-pipeline failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				arm.FailRate*100, a.cfg.FailureRateThreshold*100,
				arm.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": arm.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       arm.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.AcceptRateFloor > 0 && arm.Complete >= minFinishedRuns && arm.AvgAcceptRate < a.cfg.AcceptRateFloor {
		alerts = append(alerts, Alert{
			Type:     AlertAcceptRateCollapse,
			Severity: "high",
			Message: fmt.Sprintf(
				"New-pipeline accept rate %.1f%% fell below floor %.1f%% across %d completed runs in last %dh (legacy arm at %.1f%%)",
				arm.AvgAcceptRate*100, a.cfg.AcceptRateFloor*100,
				arm.Complete, snap.LookbackHours, snap.Legacy.AvgAcceptRate*100,
			),
			Details: map[string]any{
				"accept_rate":        arm.AvgAcceptRate,
				"floor":              a.cfg.AcceptRateFloor,
				"completed":          arm.Complete,
				"legacy_accept_rate": snap.Legacy.AvgAcceptRate,
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
