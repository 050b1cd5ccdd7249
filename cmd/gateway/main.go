package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/padmini/gateway/pkg/api"
	"github.com/padmini/gateway/pkg/async"
	"github.com/padmini/gateway/pkg/config"
	"github.com/padmini/gateway/pkg/credentials"
	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/middleware"
	"github.com/padmini/gateway/pkg/observability"
	"github.com/padmini/gateway/pkg/provisioning"
	"github.com/padmini/gateway/pkg/tokencache"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerWithFormat(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName).
		WithField("version", version)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("Gateway stopped with error")
		os.Exit(1)
	}
	logger.Info("Gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	kc := keycloak.Config{
		BaseURL:       cfg.Keycloak.BaseURL,
		Realm:         cfg.Keycloak.Realm,
		ClientID:      cfg.Keycloak.ClientID,
		ClientSecret:  cfg.Keycloak.ClientSecret,
		AdminRealm:    cfg.Keycloak.AdminRealm,
		AdminClientID: cfg.Keycloak.AdminClientID,
		AdminUsername: cfg.Keycloak.AdminUsername,
		AdminPassword: cfg.Keycloak.AdminPassword,
		Timeout:       cfg.Keycloak.HTTPTimeout,
	}
	httpClient := keycloak.NewHTTPClient(kc.Timeout)
	client := keycloak.NewClient(kc, httpClient, keycloak.WithMetrics(metrics))

	adminSource := keycloak.NewAdminSource(kc, httpClient, metrics)
	var admin keycloak.AdminTokenSource = adminSource
	var cache *tokencache.Source
	var redisClient *redis.Client

	switch cfg.TokenCache.Backend {
	case config.TokenCacheMemory:
		cache = tokencache.New(adminSource, tokencache.NewMemoryStore(cfg.TokenCache.MaxEntries, 0), adminSource.Issuer(),
			tokencache.WithSkew(cfg.TokenCache.ExpirySkew),
			tokencache.WithLogger(logger),
			tokencache.WithMetrics(metrics),
		)
	case config.TokenCacheRedis:
		redisClient, err = tokencache.NewRedisClient(ctx, cfg.TokenCache.RedisURL, cfg.TokenCache.RedisPassword, cfg.TokenCache.RedisDB)
		if err != nil {
			return fmt.Errorf("connect token cache redis: %w", err)
		}
		cache = tokencache.New(adminSource, tokencache.NewRedisStore(redisClient, tokencache.DefaultRedisPrefix), adminSource.Issuer(),
			tokencache.WithSkew(cfg.TokenCache.ExpirySkew),
			tokencache.WithLogger(logger),
			tokencache.WithMetrics(metrics),
		)
	}
	if cache != nil {
		admin = cache
		logger.WithField("backend", cfg.TokenCache.Backend).Info("Admin token cache enabled")
	}

	provisioner := provisioning.New(client, admin, provisioning.Options{
		FailurePolicy: provisioning.FailurePolicy(cfg.Provisioning.FailurePolicy),
		Idempotent:    cfg.Provisioning.Idempotent,
		AllowedRoles:  cfg.Provisioning.AllowedRoles,
		StepTimeout:   cfg.Provisioning.StepTimeout,
		Timeout:       cfg.Provisioning.Timeout,
	}, logger, metrics)
	exchange := credentials.NewExchange(client, logger, metrics)

	var bearer *middleware.AuthMiddleware
	if cfg.Auth.VerifyTokens {
		verifier := middleware.NewKeycloakVerifier(ctx, kc, httpClient)
		bearer = middleware.NewAuthMiddleware(verifier, false, logger)
	}

	server := api.NewServer(provisioner, exchange, bearer, api.Options{
		StrictStatus: cfg.Provisioning.StrictStatus,
		AllowedRoles: cfg.Provisioning.AllowedRoles,
		Metrics:      metrics,
	}, logger)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	opsRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(opsRouter, observability.NewHealthChecker(client, redisClient, version))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(opsRouter, registry)
	}
	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           opsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, opsServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	if cache != nil && cfg.TokenCache.Warmup {
		async.SafeGo(ctx, logger, kc.Timeout+5*time.Second, "admin token warmup", cache.Warm)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Starting gateway API server")
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", opsServer.Addr).Info("Starting health and metrics server")
		return serve(opsServer)
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return nil
}
