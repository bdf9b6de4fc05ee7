// Package observability provides structured logging, Prometheus metrics,
// health checks, and OpenTelemetry tracing for the billing worker.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subscription_id", sub.ID).Info("charged")
//
// Output is one JSON object per line (logrus JSON formatter).
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ChargesTotal.WithLabelValues("success").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// Spans are started from observability.Tracer(); without InitOTel they are
// no-ops.
package observability
