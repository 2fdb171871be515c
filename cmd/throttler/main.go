package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"throttler/internal/api"
	"throttler/internal/config"
	"throttler/internal/logger"
	"throttler/internal/models"
	"throttler/internal/observability"
	"throttler/internal/policy"
	"throttler/internal/ratelimit"
	"throttler/internal/storage"
	"throttler/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("write-example-config", "", "Write an example configuration file to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize policy storage
	storageInstance, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err, "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer storageInstance.Close()

	var activeStorage storage.Storage = storageInstance
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(storageInstance)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			os.Exit(1)
		}
		activeStorage = instrumented
	}

	defaultQuota := ratelimit.Quota{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	resolver, err := policy.NewResolver(activeStorage, defaultQuota, cfg.PolicyCache.TTL)
	if err != nil {
		slog.Error("Invalid default quota", "error", err)
		os.Exit(1)
	}

	// Shared store client, when configured
	var redisClient *redis.Client
	var shared ratelimit.SharedCounter
	if cfg.Redis.Enabled {
		redisClient = newRedisClient(cfg.Redis, cfg.RateLimit.Timeout)
		defer redisClient.Close()

		store := ratelimit.NewSharedStore(redisClient,
			ratelimit.WithKeyPrefix(cfg.Redis.KeyPrefix),
			ratelimit.WithTimeout(cfg.RateLimit.Timeout),
		)
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		if err := store.Ping(pingCtx); err != nil {
			slog.Warn("Shared rate limit store is not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		shared = store
	} else {
		slog.Info("Shared rate limit store disabled, limits are enforced per instance")
	}

	// Rate limiter
	stats := ratelimit.NewStats(cfg.RateLimit.MaxStatsKeys)
	limiter, err := newLimiter(cfg, shared, stats, otelProvider)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(activeStorage, resolver, limiter,
		api.WithStats(stats),
		api.WithRateLimitEnabled(cfg.RateLimit.Enabled),
		api.WithVersionInfo(ver),
	)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.RateLimit.Enabled {
		routeOpts = append(routeOpts, api.WithRateLimiter(
			ratelimit.Middleware(limiter, resolver, ratelimit.WithSkipPaths(cfg.RateLimit.SkipPaths)),
		))
	}
	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"version", ver.Version,
			"backend", limiter.Backend(),
			"default_limit", defaultQuota.Limit,
			"default_window", defaultQuota.Window)

		var err error
		if cfg.Server.TLSEnabled {
			if cfg.Server.TLSCertFile == "" || cfg.Server.TLSKeyFile == "" {
				slog.Error("TLS is enabled but cert file or key file is not specified")
				os.Exit(1)
			}
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Waits for an in-flight recovery probe before the Redis client closes.
	limiter.Close()

	degrades, recoveries := limiter.Transitions()
	slog.Info("Server shutdown complete", "degrades", degrades, "recoveries", recoveries)
}

// newRedisClient builds a client whose calls are bounded by the caller's
// context. Retries are disabled: a retried increment could be counted twice,
// and the limiter falls back to local counters instead.
func newRedisClient(cfg models.RedisConfig, timeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           timeout,
		WriteTimeout:          timeout,
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
	})
}

// newLimiter wires the hybrid limiter with in-process stats and, when metrics
// are enabled, OpenTelemetry instruments.
func newLimiter(cfg *models.Config, shared ratelimit.SharedCounter, stats *ratelimit.Stats, otelProvider *observability.Provider) (*ratelimit.HybridLimiter, error) {
	observers := ratelimit.Observers{stats}

	var limiterMetrics *observability.LimiterMetrics
	if cfg.Metrics.Enabled {
		var err error
		limiterMetrics, err = observability.NewLimiterMetrics(otelProvider.Meter("throttler/ratelimit"))
		if err != nil {
			return nil, fmt.Errorf("failed to create limiter metrics: %w", err)
		}
		observers = append(observers, limiterMetrics)
	}

	local := ratelimit.NewLocalStore(cfg.RateLimit.SweepInterval, cfg.RateLimit.IdleWindows)
	limiter, err := ratelimit.NewHybridLimiter(shared, local,
		ratelimit.WithProbeInterval(cfg.RateLimit.ProbeInterval),
		ratelimit.WithProbeTimeout(cfg.RateLimit.Timeout),
		ratelimit.WithObserver(observers),
		ratelimit.WithLogger(slog.Default()),
	)
	if err != nil {
		local.Close()
		return nil, err
	}

	if limiterMetrics != nil {
		if err := limiterMetrics.ObserveBackend(limiter.Backend); err != nil {
			limiter.Close()
			return nil, fmt.Errorf("failed to register backend gauge: %w", err)
		}
	}
	return limiter, nil
}
