// Package observability carries the ambient runtime plumbing shared by the
// hirebridge binaries: slog-backed structured logging, Prometheus metrics for
// upstream calls and reconciliation passes, OpenTelemetry export, health
// checks and graceful shutdown.
//
// Loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger.WithTenant("acme"))
//	observability.FromContext(ctx).Info("sync started")
//
// Metric methods are nil-safe so library packages can record
// unconditionally:
//
//	var m *observability.Metrics
//	m.RecordNode("job_level", "created") // no-op
package observability
