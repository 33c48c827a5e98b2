package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	if m.registry == nil {
		t.Error("registry should not be nil")
	}

	if m.Agent == nil {
		t.Error("Agent metrics should not be nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	// Check for Go runtime metrics (always present)
	if !strings.Contains(body, "go_") {
		t.Error("expected Go runtime metrics in response")
	}

	// Check for process metrics (always present)
	if !strings.Contains(body, "process_") {
		t.Error("expected process metrics in response")
	}
}

func TestAgentMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.Agent.RecordJobStart()
	m.Agent.RecordJobStart()
	m.Agent.RecordJobComplete("completed", 1.5)
	m.Agent.RecordRejection("job", "capacity")
	m.Agent.RecordWorkflowStep("failed")
	m.Agent.RecordWorkflowComplete("completed_with_errors", 12)
	m.Agent.SetResourceUsage(42.5, 512, 1024)
	m.Agent.SetConnectionState("busy")
	m.Agent.RecordReconnect()
	m.Agent.RecordHeartbeat()
	m.Agent.RecordHeartbeatFailure()
	m.Agent.RecordMessageReceived("job_dispatch")
	m.Agent.RecordMessageSent("job_completed")
	m.Agent.RecordSendFailure()

	if got := testutil.ToFloat64(m.Agent.JobsActive); got != 1 {
		t.Errorf("jobs_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Agent.ConnectionState.WithLabelValues("busy")); got != 1 {
		t.Errorf("connection_state{busy} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Agent.ConnectionState.WithLabelValues("online")); got != 0 {
		t.Errorf("connection_state{online} = %v, want 0", got)
	}

	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	body := w.Body.String()

	expectedMetrics := []string{
		"scriptfleet_agent_job_duration_seconds",
		"scriptfleet_agent_jobs_total",
		"scriptfleet_agent_dispatches_rejected_total",
		"scriptfleet_agent_workflows_total",
		"scriptfleet_agent_workflow_steps_total",
		"scriptfleet_agent_cpu_usage_percent",
		"scriptfleet_agent_memory_bytes",
		"scriptfleet_agent_reconnects_total",
		"scriptfleet_agent_heartbeats_total",
		"scriptfleet_agent_messages_received_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestAgentMetricsNilSafe(t *testing.T) {
	var m *AgentMetrics

	m.RecordJobStart()
	m.RecordJobComplete("completed", 1)
	m.RecordRejection("job", "capacity")
	m.RecordWorkflowStep("completed")
	m.RecordWorkflowComplete("completed", 1)
	m.SetResourceUsage(1, 1, 1)
	m.SetConnectionState("online")
	m.RecordReconnect()
	m.RecordHeartbeat()
	m.RecordHeartbeatFailure()
	m.RecordMessageReceived("x")
	m.RecordMessageSent("x")
	m.RecordSendFailure()
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	registry := m.Registry()
	if registry == nil {
		t.Error("Registry() should not return nil")
	}

	families, err := registry.Gather()
	if err != nil {
		t.Errorf("failed to gather metrics: %v", err)
	}

	if len(families) == 0 {
		t.Error("expected at least some metric families")
	}
}
