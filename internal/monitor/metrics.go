package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	TruncatedOutputs  prometheus.Counter
	ASTOperations     *prometheus.CounterVec
	ASTPhaseDuration  *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jssandbox",
				Name:      "executions_total",
				Help:      "Total number of executions by kind and status.",
			},
			[]string{"kind", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "jssandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jssandbox",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "jssandbox",
				Name:      "active_executions",
				Help:      "Number of currently running interpreter processes.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jssandbox",
				Name:      "security_events_total",
				Help:      "Total suspicious patterns detected in code or output.",
			},
			[]string{"type"},
		),

		TruncatedOutputs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "jssandbox",
				Name:      "truncated_outputs_total",
				Help:      "Executions whose stdout exceeded max_output_size.",
			},
		),

		ASTOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jssandbox",
				Subsystem: "ast",
				Name:      "operations_total",
				Help:      "AST operations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),

		ASTPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "jssandbox",
				Subsystem: "ast",
				Name:      "phase_duration_seconds",
				Help:      "Duration of AST parse, generate and reparse phases.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"phase"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "jssandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jssandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jssandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.TruncatedOutputs,
		m.ASTOperations,
		m.ASTPhaseDuration,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(kind, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordASTPhase observes the duration of one AST phase.
func (m *Metrics) RecordASTPhase(phase string, durationSec float64) {
	m.ASTPhaseDuration.WithLabelValues(phase).Observe(durationSec)
}

// RecordASTOperation counts a finished AST operation.
func (m *Metrics) RecordASTOperation(operation string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.ASTOperations.WithLabelValues(operation, outcome).Inc()
}
