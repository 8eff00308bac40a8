// Package observability provides monitoring and debugging capabilities for
// the codebroker through metrics, structured logging, and redaction.
//
// # Overview
//
// The package covers three concerns:
//
//  1. Metrics - Prometheus counters, gauges, and histograms for sandbox
//     executions, brokered tool calls, rate limiting, circuit breakers,
//     the schema cache, and model sampling
//  2. Logging - structured slog output with sensitive data redaction and
//     execution ID correlation from context
//  3. Redaction - regex-based scrubbing of API keys, tokens, and passwords,
//     applied to both log records and streamed model content
//
// # Logging
//
// Loggers are created with NewLogger and carry correlation IDs from the
// request context automatically:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddExecutionID(ctx, execID)
//	logger.Info(ctx, "tool call dispatched", "tool_id", toolID)
//
// Components that take a plain *slog.Logger use Logger.Slog. Records written
// through it bypass redaction, so callers must not pass raw model output.
//
// # Metrics
//
// NewMetrics registers all collectors with the default Prometheus registry
// and must be called once at startup:
//
//	metrics := observability.NewMetrics()
//	metrics.ToolCallCounter.WithLabelValues("github", "success").Inc()
//
// # Redaction
//
// NewRedactor compiles the default secret patterns plus any extras. The
// sampling broker runs every model text chunk through a Redactor before it
// reaches sandboxed code.
package observability
