package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faultline/db"
)

type fakeRunbooks struct {
	runbook *db.Runbook
	err     error
}

func (f *fakeRunbooks) GetRunbook(id string) (*db.Runbook, error) {
	return f.runbook, f.err
}

func testIncident() *db.Incident {
	return &db.Incident{
		ID:               "inc-1",
		Title:            "API error rate spike",
		Description:      "Error rate above threshold",
		Severity:         db.SeverityCritical,
		Status:           db.IncidentStatusCreated,
		Source:           "anomaly_detection",
		AffectedServices: []string{"api"},
		CreatedAt:        time.Now().UTC(),
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient("", ""), nil)

	result := executor.Execute(context.Background(), testIncident(), db.Action{Type: "teleport"})
	assert.False(t, result.Success)
	assert.Equal(t, "teleport", result.ActionType)
}

func TestNotifySlack(t *testing.T) {
	t.Run("SendsAttachment", func(t *testing.T) {
		var payload map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		executor := NewExecutorService(ExecutorConfig{SlackWebhookURL: server.URL}, nil, NewControlPlaneClient("", ""), nil)
		result := executor.Execute(context.Background(), testIncident(), db.Action{Type: db.ActionNotifySlack})

		assert.True(t, result.Success)
		attachments := payload["attachments"].([]interface{})
		require.Len(t, attachments, 1)
		attachment := attachments[0].(map[string]interface{})
		assert.Equal(t, "API error rate spike", attachment["title"])
	})

	t.Run("MissingWebhookIsConfigurationFailure", func(t *testing.T) {
		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient("", ""), nil)
		result := executor.Execute(context.Background(), testIncident(), db.Action{Type: db.ActionNotifySlack})

		assert.False(t, result.Success)
		assert.Equal(t, "configuration error", result.Detail)
	})

	t.Run("TransportErrorIsFailureNotPanic", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		executor := NewExecutorService(ExecutorConfig{SlackWebhookURL: server.URL}, nil, NewControlPlaneClient("", ""), nil)
		result := executor.Execute(context.Background(), testIncident(), db.Action{Type: db.ActionNotifySlack})

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})
}

func TestNotifyPagerDuty(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	executor := NewExecutorService(ExecutorConfig{
		PagerDutyRoutingKey: "rk-123",
		PagerDutyEndpoint:   server.URL,
		DedupKeyPrefix:      "faultline",
	}, nil, NewControlPlaneClient("", ""), nil)

	result := executor.Execute(context.Background(), testIncident(), db.Action{Type: db.ActionNotifyPagerDuty})

	assert.True(t, result.Success)
	assert.Equal(t, "trigger", payload["event_action"])
	assert.Equal(t, "faultline-incident-inc-1", payload["dedup_key"])
	inner := payload["payload"].(map[string]interface{})
	assert.Equal(t, "critical", inner["severity"])
}

func TestAutoRemediate(t *testing.T) {
	t.Run("QueueDepthScalesWorkersUp", func(t *testing.T) {
		var scaleBody map[string]interface{}
		cp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/services/scale" {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&scaleBody))
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer cp.Close()

		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient(cp.URL, ""), nil)

		incident := testIncident()
		incident.Metadata = map[string]interface{}{"metric_name": "queue_depth_high"}
		result := executor.Execute(context.Background(), incident, db.Action{Type: db.ActionAutoRemediate})

		assert.True(t, result.Success)
		taken := result.Metadata["actions_taken"].([]string)
		require.Len(t, taken, 1)
		assert.Equal(t, "workers", scaleBody["service"])
		assert.Equal(t, "up", scaleBody["direction"])
	})

	t.Run("UnknownMetricTakesNoAction", func(t *testing.T) {
		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient("", ""), nil)

		incident := testIncident()
		incident.Metadata = map[string]interface{}{"metric_name": "unknown_metric"}
		result := executor.Execute(context.Background(), incident, db.Action{Type: db.ActionAutoRemediate})

		assert.True(t, result.Success)
		taken := result.Metadata["actions_taken"].([]string)
		assert.Empty(t, taken)
	})

	t.Run("ControlPlaneErrorIsRecorded", func(t *testing.T) {
		cp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer cp.Close()

		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient(cp.URL, ""), nil)

		incident := testIncident()
		incident.Metadata = map[string]interface{}{"metric_name": "api_error_rate"}
		result := executor.Execute(context.Background(), incident, db.Action{Type: db.ActionAutoRemediate})

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})
}

func TestExecuteRunbook(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	t.Run("StopOnFailureSkipsRemainder", func(t *testing.T) {
		runbooks := &fakeRunbooks{runbook: &db.Runbook{
			ID:       "rb-1",
			Name:     "API recovery",
			IsActive: true,
			Steps: []db.RunbookStep{
				{Name: "probe", Type: "check_service", Config: map[string]interface{}{"url": failing.URL}, StopOnFailure: true},
				{Name: "verify", Type: "check_service", Config: map[string]interface{}{"url": healthy.URL}},
			},
		}}
		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient("", ""), runbooks)

		result := executor.Execute(context.Background(), testIncident(), db.Action{
			Type:   db.ActionExecuteRunbook,
			Config: map[string]interface{}{"runbook_id": "rb-1"},
		})

		assert.False(t, result.Success)
		steps := result.Metadata["steps"].([]db.RunbookStepResult)
		require.Len(t, steps, 2)
		assert.Equal(t, "failed", steps[0].Status)
		assert.Equal(t, "skipped", steps[1].Status)
	})

	t.Run("WithoutStopOnFailureAllStepsRun", func(t *testing.T) {
		runbooks := &fakeRunbooks{runbook: &db.Runbook{
			ID:       "rb-1",
			Name:     "API recovery",
			IsActive: true,
			Steps: []db.RunbookStep{
				{Name: "probe", Type: "check_service", Config: map[string]interface{}{"url": failing.URL}},
				{Name: "verify", Type: "check_service", Config: map[string]interface{}{"url": healthy.URL}},
			},
		}}
		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient("", ""), runbooks)

		result := executor.Execute(context.Background(), testIncident(), db.Action{
			Type:   db.ActionExecuteRunbook,
			Config: map[string]interface{}{"runbook_id": "rb-1"},
		})

		assert.False(t, result.Success)
		steps := result.Metadata["steps"].([]db.RunbookStepResult)
		require.Len(t, steps, 2)
		assert.Equal(t, "failed", steps[0].Status)
		assert.Equal(t, "success", steps[1].Status)
	})

	t.Run("MissingRunbookIDIsConfigurationFailure", func(t *testing.T) {
		executor := NewExecutorService(ExecutorConfig{}, nil, NewControlPlaneClient("", ""), &fakeRunbooks{})

		result := executor.Execute(context.Background(), testIncident(), db.Action{Type: db.ActionExecuteRunbook})
		assert.False(t, result.Success)
		assert.Equal(t, "configuration error", result.Detail)
	})

	t.Run("DelayStepHonoursContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := stepDelay(ctx, map[string]interface{}{"seconds": float64(60)})
		assert.Error(t, err)
	})
}
