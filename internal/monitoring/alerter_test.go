package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/metrics"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.30,
		AcceptRateFloor:      0.10,
	})

	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 100, Complete: 95, Failed: 5,
			FailRate:      0.05,
			AvgAcceptRate: 0.62,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.30,
		AcceptRateFloor:      0.10,
	})

	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 20, Complete: 12, Failed: 8,
			FailRate:      0.4, // 8/20 finished
			AvgAcceptRate: 0.55,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPipelineFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_AcceptRateCollapse(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.30,
		AcceptRateFloor:      0.10,
	})

	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 30, Complete: 28, Failed: 2,
			FailRate:      0.066,
			AvgAcceptRate: 0.04,
		},
		Legacy: metrics.ArmStats{
			Runs: 30, Complete: 29, Failed: 1,
			AvgAcceptRate: 0.31,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAcceptRateCollapse, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4.0%")
	assert.Contains(t, alerts[0].Message, "legacy arm at 31.0%")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.30,
		AcceptRateFloor:      0.10,
	})

	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 20, Complete: 10, Failed: 10,
			FailRate:      0.5,
			AvgAcceptRate: 0.02,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 2)

	types := make(map[AlertType]bool)
	for _, alert := range alerts {
		types[alert.Type] = true
	}
	assert.True(t, types[AlertPipelineFailureRate])
	assert.True(t, types[AlertAcceptRateCollapse])
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.30,
		AcceptRateFloor:      0.10,
	})

	// Only 3 finished runs, below the 5-run minimum for rate alerts.
	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 3, Complete: 1, Failed: 2,
			FailRate:      0.666,
			AvgAcceptRate: 0.0,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_LegacyArmNeverAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.30,
		AcceptRateFloor:      0.10,
	})

	// Legacy is the control: its collapse is expected, not alertable.
	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 20, Complete: 19, Failed: 1,
			FailRate:      0.05,
			AvgAcceptRate: 0.60,
		},
		Legacy: metrics.ArmStats{
			Runs: 20, Complete: 10, Failed: 10,
			FailRate:      0.5,
			AvgAcceptRate: 0.01,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &metrics.Snapshot{
		NewPipeline: metrics.ArmStats{
			Runs: 50, Complete: 20, Failed: 30,
			FailRate:      0.6,
			AvgAcceptRate: 0.0,
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertPipelineFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertAcceptRateCollapse, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertPipelineFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertPipelineFailureRate, Message: "test"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 0, sent)
}
