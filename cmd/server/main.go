package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/admin"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/auth"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/cache"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/calllog"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/config"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/db"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/metrics"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/proxy"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/ratelimit"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serviceName       = "dynamic-endpoint-gateway"
	endpointCacheSize = 10000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracer(serviceName, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := database.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		logger.Info("database schema applied")
	}

	dependencies := map[string]admin.Pinger{"postgres": database}

	var (
		store         ratelimit.Store
		rateLimitKeys func(context.Context) (int, error)
		keysGauge     func() float64
	)
	switch cfg.RateLimitBackend {
	case "redis":
		rs, err := ratelimit.NewRedisStore(cfg.RedisURL, cfg.RateLimitIdleWindows)
		if err != nil {
			return fmt.Errorf("init rate limit store: %w", err)
		}
		defer rs.Close()
		store = rs
		rateLimitKeys = rs.Size
		dependencies["redis"] = rs
	default:
		ms := ratelimit.NewMemoryStore(cfg.RateLimitIdleWindows, logger)
		ms.StartSweeper(ctx, cfg.RateLimitSweepInterval)
		defer ms.Stop()
		store = ms
		rateLimitKeys = func(context.Context) (int, error) { return ms.Size(), nil }
		keysGauge = func() float64 { return float64(ms.Size()) }
	}
	logger.Info("rate limiter initialized", "backend", cfg.RateLimitBackend)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry, keysGauge)

	endpoints, err := cache.NewEndpointCache(database, cfg.EndpointCacheTTL, endpointCacheSize)
	if err != nil {
		return err
	}
	defer endpoints.Close()

	recorder := calllog.NewRecorder(database, logger,
		calllog.WithQueueSize(cfg.CallLogQueueSize),
		calllog.WithWriteTimeout(cfg.CallLogWriteTimeout),
		calllog.WithCounters(m.CallLogDropped, m.CallLogFailed),
	)
	recorder.Start()

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var operators *auth.Middleware
	if cfg.OpsJWTSecret != "" {
		operators = auth.NewMiddleware(cfg.OpsJWTSecret)
	} else {
		logger.Warn("OPS_JWT_SECRET not set, admin routes disabled")
	}
	admin.NewAdminHandler(admin.Options{
		Cache:         endpoints,
		CallLog:       recorder,
		RateLimitKeys: rateLimitKeys,
		Dependencies:  dependencies,
		Logger:        logger,
	}).RegisterRoutes(router, operators)

	validator := auth.NewValidator(database, logger)

	// Registered last so the fixed routes above win.
	proxy.NewHandler(proxy.HandlerConfig{
		Endpoints:         endpoints,
		Validator:         validator,
		Limiter:           ratelimit.NewLimiter(store, logger),
		Forwarder:         proxy.NewForwarder(cfg.ForwardTimeout, proxy.WithMaxResponseBytes(cfg.MaxResponseBytes)),
		Recorder:          recorder,
		Metrics:           m,
		Logger:            logger,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		TrustForwardedFor: cfg.TrustForwardedFor,
	}).RegisterRoutes(router)

	var handler http.Handler = router
	if cfg.TracingEnabled {
		handler = otelhttp.NewHandler(router, serviceName)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := validator.Close(shutdownCtx); err != nil {
		logger.Warn("credential last-use drain incomplete", "error", err)
	}
	if err := recorder.Stop(shutdownCtx); err != nil {
		logger.Error("call log drain incomplete", "error", err, "pending", recorder.Stats().QueueDepth)
	}
	logger.Info("server stopped")
	return nil
}
