// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown for the gateway.
//
// # Structured Logging
//
// Logger wraps logrus and emits JSON by default:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("step", "assign_role").WithError(err).Error("provisioning failed")
//
// FromContext picks up the request logger stored by the HTTP logging middleware,
// plus the request id, username and active trace ids. Services fall back to their
// own logger outside a request:
//
//	observability.FromContext(observability.WithDefaultLogger(ctx, p.logger)).Info("registered")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ProvisioningTotal.WithLabelValues("failure", "set_password").Inc()
//
// # Health Checks
//
// Readiness fails when the identity provider is unreachable and degrades when the
// optional Redis token cache is down.
//
//	checker := observability.NewHealthChecker(keycloakClient, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	ctx, span := observability.Tracer().Start(ctx, "provision.create_user")
//	defer func() { observability.EndSpan(span, err) }()
package observability
