package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// connectionStates are the label values of ConnectionState.
var connectionStates = []string{"offline", "connecting", "online", "busy", "reconnecting"}

// AgentMetrics holds all metrics for the agent. Every Record/Set method is
// safe to call on a nil receiver.
type AgentMetrics struct {
	// Job execution metrics
	JobDuration  *prometheus.HistogramVec
	JobsTotal    *prometheus.CounterVec
	JobsActive   prometheus.Gauge
	JobsRejected *prometheus.CounterVec

	// Workflow metrics
	WorkflowDuration *prometheus.HistogramVec
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowSteps    *prometheus.CounterVec

	// Resource metrics
	CPUUsage    prometheus.Gauge
	MemoryBytes *prometheus.GaugeVec

	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	ReconnectTotal    prometheus.Counter
	HeartbeatsTotal   prometheus.Counter
	HeartbeatFailures prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	SendFailures      prometheus.Counter
}

// newAgentMetrics creates and registers all agent metrics.
func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "job_duration_seconds",
				Help:      "Duration of script jobs in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_total",
				Help:      "Total number of jobs executed.",
			},
			[]string{"status"},
		),

		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_active",
				Help:      "Number of currently running jobs.",
			},
		),

		JobsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatches_rejected_total",
				Help:      "Total number of dispatches rejected at admission.",
			},
			[]string{"kind", "reason"},
		),

		WorkflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflows in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		WorkflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "workflows_total",
				Help:      "Total number of workflows executed.",
			},
			[]string{"status"},
		),

		WorkflowSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "workflow_steps_total",
				Help:      "Total number of workflow steps attempted.",
			},
			[]string{"status"},
		),

		CPUUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cpu_usage_percent",
				Help:      "Current CPU usage as a percentage (0-100).",
			},
		),

		MemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_bytes",
				Help:      "Host memory in bytes.",
			},
			[]string{"type"}, // used, total
		),

		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connection_state",
				Help:      "Current connection state (1 for the active state, 0 otherwise).",
			},
			[]string{"state"},
		),

		ReconnectTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts.",
			},
		),

		HeartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats sent.",
			},
		),

		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "heartbeat_failures_total",
				Help:      "Total number of failed heartbeats.",
			},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_received_total",
				Help:      "Total number of messages received from the orchestrator.",
			},
			[]string{"type"},
		),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent to the orchestrator.",
			},
			[]string{"type"},
		),

		SendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "send_failures_total",
				Help:      "Total number of failed message sends.",
			},
		),
	}

	registry.MustRegister(
		m.JobDuration,
		m.JobsTotal,
		m.JobsActive,
		m.JobsRejected,
		m.WorkflowDuration,
		m.WorkflowsTotal,
		m.WorkflowSteps,
		m.CPUUsage,
		m.MemoryBytes,
		m.ConnectionState,
		m.ReconnectTotal,
		m.HeartbeatsTotal,
		m.HeartbeatFailures,
		m.MessagesReceived,
		m.MessagesSent,
		m.SendFailures,
	)

	return m
}

// RecordJobStart records a job entering the running set.
func (m *AgentMetrics) RecordJobStart() {
	if m == nil {
		return
	}
	m.JobsActive.Inc()
}

// RecordJobComplete records a finished job.
func (m *AgentMetrics) RecordJobComplete(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsActive.Dec()
	m.JobDuration.WithLabelValues(status).Observe(durationSeconds)
	m.JobsTotal.WithLabelValues(status).Inc()
}

// RecordRejection records a dispatch rejected at admission.
func (m *AgentMetrics) RecordRejection(kind, reason string) {
	if m == nil {
		return
	}
	m.JobsRejected.WithLabelValues(kind, reason).Inc()
}

// RecordWorkflowStep records an attempted workflow step.
func (m *AgentMetrics) RecordWorkflowStep(status string) {
	if m == nil {
		return
	}
	m.WorkflowSteps.WithLabelValues(status).Inc()
}

// RecordWorkflowComplete records a finished workflow.
func (m *AgentMetrics) RecordWorkflowComplete(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.WorkflowDuration.WithLabelValues(status).Observe(durationSeconds)
	m.WorkflowsTotal.WithLabelValues(status).Inc()
}

// SetResourceUsage sets the host resource gauges.
func (m *AgentMetrics) SetResourceUsage(cpuPercent float64, memUsed, memTotal uint64) {
	if m == nil {
		return
	}
	m.CPUUsage.Set(cpuPercent)
	m.MemoryBytes.WithLabelValues("used").Set(float64(memUsed))
	m.MemoryBytes.WithLabelValues("total").Set(float64(memTotal))
}

// SetConnectionState marks state as the active connection state.
func (m *AgentMetrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		if s == state {
			m.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			m.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordReconnect records a reconnection attempt.
func (m *AgentMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectTotal.Inc()
}

// RecordHeartbeat records a successful heartbeat.
func (m *AgentMetrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

// RecordHeartbeatFailure records a failed heartbeat.
func (m *AgentMetrics) RecordHeartbeatFailure() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

// RecordMessageReceived records an inbound message by type.
func (m *AgentMetrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMessageSent records an outbound message by type.
func (m *AgentMetrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordSendFailure records a failed outbound message.
func (m *AgentMetrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}
