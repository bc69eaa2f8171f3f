// Package observability provides monitoring and debugging capabilities for
// the mux runtime through metrics, structured logging, and distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: Minimal performance impact on production systems
//   - Type-safe: Strongly-typed APIs reduce configuration errors
//   - Production-ready: Built-in security (redaction) and reliability features
//   - Standards-based: Uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Stream lifecycle outcomes and durations per agent
//   - Tool execution performance
//   - Background process counts and captured output volume
//   - Auto-retry and compaction decisions
//   - Error rates by component and kind
//   - History store query performance
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track a stream
//	metrics.StreamStarted()
//	start := time.Now()
//	// ... stream ...
//	metrics.StreamEnded("exec", "completed", time.Since(start).Seconds())
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("bash", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic workspace/stream correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddWorkspaceID(ctx, workspaceID)
//	ctx = observability.AddStreamID(ctx, messageID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "Stream started",
//	    "agent_id", agentID,
//	    "model", model,
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "Stream failed",
//	    "error", err,
//	    "kind", kind,
//	)
//
// # Tracing
//
// Tracing uses OpenTelemetry with OTLP export. When no endpoint is
// configured the tracer is a no-op, so instrumented code paths cost nothing
// in development.
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "muxd",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceStream(ctx, workspaceID, agentID, model)
//	defer span.End()
package observability
