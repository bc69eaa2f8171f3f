package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Stream lifecycle outcomes per agent and model
//   - Tool execution patterns and latencies
//   - Background process counts and output volume
//   - Auto-retry and compaction behavior
//   - Error rates categorized by kind and component
//   - History store query performance
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.StreamStarted("exec")
//	defer metrics.StreamEnded("exec", "completed", time.Since(start).Seconds())
type Metrics struct {
	// StreamCounter counts streams by agent and outcome.
	// Labels: agent, outcome (completed|error|aborted)
	StreamCounter *prometheus.CounterVec

	// StreamDuration measures stream wall time in seconds.
	// Labels: agent
	// Buckets: 0.5s, 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s
	StreamDuration *prometheus.HistogramVec

	// ActiveStreams is a gauge tracking currently streaming workspaces.
	ActiveStreams prometheus.Gauge

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (session|runtime|bgproc|tools|hooks), kind
	ErrorCounter *prometheus.CounterVec

	// AutoRetryCounter counts auto-retry decisions.
	// Labels: decision (scheduled|executed|opted_out|exhausted)
	AutoRetryCounter *prometheus.CounterVec

	// CompactionCounter counts compaction outcomes.
	// Labels: outcome (completed|retry_scheduled|retry_exhausted)
	CompactionCounter *prometheus.CounterVec

	// BackgroundProcesses is a gauge of live background process groups.
	BackgroundProcesses prometheus.Gauge

	// ProcessOutputBytes counts bytes captured from background processes.
	ProcessOutputBytes prometheus.Counter

	// InitCounter counts workspace init runs by terminal status.
	// Labels: status (success|error)
	InitCounter *prometheus.CounterVec

	// HookCounter counts lifecycle hook executions.
	// Labels: hook (pre_tool|post_tool|init), status (ok|error|timeout)
	HookCounter *prometheus.CounterVec

	// HistoryQueryDuration measures history store query latency.
	// Labels: operation (select|insert|update|delete)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HistoryQueryDuration *prometheus.HistogramVec

	// HistoryQueryCounter counts history store queries.
	// Labels: operation, status (success|error)
	HistoryQueryCounter *prometheus.CounterVec

	// RelayClients is a gauge of connected event relay subscribers.
	RelayClients prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		StreamCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_streams_total",
				Help: "Total number of streams by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),

		StreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mux_stream_duration_seconds",
				Help:    "Duration of streams in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"agent"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mux_active_streams",
				Help: "Current number of workspaces with an active stream",
			},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mux_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "kind"},
		),

		AutoRetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_auto_retries_total",
				Help: "Total number of auto-retry decisions",
			},
			[]string{"decision"},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_compactions_total",
				Help: "Total number of compaction outcomes",
			},
			[]string{"outcome"},
		),

		BackgroundProcesses: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mux_background_processes",
				Help: "Current number of live background process groups",
			},
		),

		ProcessOutputBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mux_process_output_bytes_total",
				Help: "Total bytes captured from background process output",
			},
		),

		InitCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_init_runs_total",
				Help: "Total number of workspace init runs by terminal status",
			},
			[]string{"status"},
		),

		HookCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_hook_executions_total",
				Help: "Total number of lifecycle hook executions",
			},
			[]string{"hook", "status"},
		),

		HistoryQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mux_history_query_duration_seconds",
				Help:    "Duration of history store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		HistoryQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_history_queries_total",
				Help: "Total number of history store queries",
			},
			[]string{"operation", "status"},
		),

		RelayClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mux_relay_clients",
				Help: "Current number of connected event relay subscribers",
			},
		),
	}
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded records a finished stream and decrements the active gauge.
//
// Example:
//
//	start := time.Now()
//	// ... stream ...
//	metrics.StreamEnded("exec", "completed", time.Since(start).Seconds())
func (m *Metrics) StreamEnded(agent, outcome string, durationSeconds float64) {
	m.ActiveStreams.Dec()
	m.StreamCounter.WithLabelValues(agent, outcome).Inc()
	m.StreamDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("bash", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and kind.
//
// Example:
//
//	metrics.RecordError("session", "overloaded")
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}

// RecordAutoRetry increments the auto-retry decision counter.
func (m *Metrics) RecordAutoRetry(decision string) {
	m.AutoRetryCounter.WithLabelValues(decision).Inc()
}

// RecordCompaction increments the compaction outcome counter.
func (m *Metrics) RecordCompaction(outcome string) {
	m.CompactionCounter.WithLabelValues(outcome).Inc()
}

// ProcessStarted increments the background process gauge.
func (m *Metrics) ProcessStarted() {
	m.BackgroundProcesses.Inc()
}

// ProcessEnded decrements the background process gauge.
func (m *Metrics) ProcessEnded() {
	m.BackgroundProcesses.Dec()
}

// RecordProcessOutput adds captured output bytes to the counter.
func (m *Metrics) RecordProcessOutput(bytes int) {
	if bytes > 0 {
		m.ProcessOutputBytes.Add(float64(bytes))
	}
}

// RecordInit records a terminal init status.
func (m *Metrics) RecordInit(status string) {
	m.InitCounter.WithLabelValues(status).Inc()
}

// RecordHook records a lifecycle hook execution.
func (m *Metrics) RecordHook(hook, status string) {
	m.HookCounter.WithLabelValues(hook, status).Inc()
}

// RecordHistoryQuery records metrics for a history store query.
//
// Example:
//
//	start := time.Now()
//	// ... execute query ...
//	metrics.RecordHistoryQuery("select", "success", time.Since(start).Seconds())
func (m *Metrics) RecordHistoryQuery(operation, status string, durationSeconds float64) {
	m.HistoryQueryCounter.WithLabelValues(operation, status).Inc()
	m.HistoryQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
