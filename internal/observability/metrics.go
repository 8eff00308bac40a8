package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Sandbox executions by language and outcome
//   - Brokered tool call latency and outcomes
//   - Rate limiter and admission queue decisions
//   - Circuit breaker state transitions
//   - Schema cache effectiveness
//   - Model sampling requests and token spend
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ToolCallCounter.WithLabelValues("github", "success").Inc()
type Metrics struct {
	// ExecutionCounter counts sandbox executions.
	// Labels: language (typescript|python), status (ok|error|timeout)
	ExecutionCounter *prometheus.CounterVec

	// ExecutionDuration measures sandbox execution time in seconds.
	// Labels: language
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	ExecutionDuration *prometheus.HistogramVec

	// ToolCallCounter counts brokered tool calls.
	// Labels: server, status (success|error|denied|rate_limited)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures brokered tool call latency in seconds.
	// Labels: server
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s
	ToolCallDuration *prometheus.HistogramVec

	// RateLimitCounter counts rate limiter decisions.
	// Labels: endpoint, decision (allowed|limited)
	RateLimitCounter *prometheus.CounterVec

	// AdmissionQueueDepth is a gauge tracking queued upstream calls.
	AdmissionQueueDepth prometheus.Gauge

	// AdmissionRejections counts admission failures.
	// Labels: reason (queue_full|expired|draining)
	AdmissionRejections *prometheus.CounterVec

	// CircuitStateChanges counts circuit breaker transitions.
	// Labels: backend, to_state (open|half-open|closed)
	CircuitStateChanges *prometheus.CounterVec

	// SchemaCacheCounter counts schema cache lookups.
	// Labels: result (hit|miss|stale)
	SchemaCacheCounter *prometheus.CounterVec

	// SamplingCounter counts model sampling requests.
	// Labels: model, status (success|error|denied|quota_exceeded)
	SamplingCounter *prometheus.CounterVec

	// SamplingTokens tracks sampled token consumption.
	// Labels: model, type (input|output)
	SamplingTokens *prometheus.CounterVec

	// StreamClients is a gauge tracking connected output stream clients.
	StreamClients prometheus.Gauge

	// StreamDropped counts output events dropped on slow stream clients.
	StreamDropped prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_executions_total",
				Help: "Total number of sandbox executions by language and status",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codebroker_execution_duration_seconds",
				Help:    "Duration of sandbox executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"language"},
		),

		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_tool_calls_total",
				Help: "Total number of brokered tool calls by backend and status",
			},
			[]string{"server", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codebroker_tool_call_duration_seconds",
				Help:    "Duration of brokered tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"server"},
		),

		RateLimitCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_rate_limit_decisions_total",
				Help: "Total number of rate limiter decisions by endpoint",
			},
			[]string{"endpoint", "decision"},
		),

		AdmissionQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "codebroker_admission_queue_depth",
				Help: "Current number of queued upstream calls",
			},
		),

		AdmissionRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_admission_rejections_total",
				Help: "Total number of admission failures by reason",
			},
			[]string{"reason"},
		),

		CircuitStateChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_circuit_state_changes_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"backend", "to_state"},
		),

		SchemaCacheCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_schema_cache_lookups_total",
				Help: "Total number of schema cache lookups by result",
			},
			[]string{"result"},
		),

		SamplingCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_sampling_requests_total",
				Help: "Total number of model sampling requests by model and status",
			},
			[]string{"model", "status"},
		),

		SamplingTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebroker_sampling_tokens_total",
				Help: "Total number of sampled tokens by model and type",
			},
			[]string{"model", "type"},
		),

		StreamClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "codebroker_stream_clients",
				Help: "Current number of connected output stream clients",
			},
		),

		StreamDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "codebroker_stream_dropped_events_total",
				Help: "Total number of output events dropped on slow stream clients",
			},
		),
	}
}
