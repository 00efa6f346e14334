package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	httphandler "github.com/kjstillabower/weather-lookup-service/internal/http"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	recordStore, err := store.Open(startCtx, cfg.Database, logger)
	startCancel()
	if err != nil {
		logger.Fatal("record store", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	logger.Info("record store ready", zap.String("driver", cfg.Database.Driver))

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.WeatherAPIValidateKey {
		keyCtx, keyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := checkAPIKey(keyCtx, weatherClient, logger)
		keyCancel()
		if err != nil {
			logger.Fatal("weather api key", zap.Error(err))
		}
	}

	if cfg.CircuitBreakerEnabled {
		weatherClient.EnableCircuitBreaker(client.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			OnStateChange: func(from, to string) {
				observability.RecordCircuitBreakerTransition("weather_api", from, to)
				logger.Warn("circuit breaker state change", zap.String("from", from), zap.String("to", to))
			},
		})
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "in_memory":
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	default:
		logger.Info("cache backend: none")
	}
	lookupService := service.NewLookupService(recordStore, weatherClient, cacheSvc, cfg.CacheTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		DatabasePing:         recordStore.Ping,
		Version:              version,
	}
	if p, ok := cacheSvc.(cache.Pinger); ok {
		healthConfig.CachePing = p.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(lookupService, healthConfig, logger, cfg.DocsURL)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	router := newRouter(handler, limiter, cfg.RequestTimeout, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	if len(cfg.WarmLocations) > 0 {
		warmer := cache.NewWarmer(lookupService, logger)
		warmCtx, warmCancel := context.WithTimeout(observability.WithLogger(context.Background(), logger), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmLocations); err != nil {
			logger.Warn("warming failed", zap.Error(err))
		}
		warmCancel()
	}
	lifecycle.Set(lifecycle.Serving)
	logger.Info("serving traffic")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.Set(lifecycle.ShuttingDown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := recordStore.Close(); err != nil {
		logger.Error("record store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

type apiKeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// checkAPIKey fails only when the provider rejects the key. Other errors
// (network, provider outage) are logged and startup continues.
func checkAPIKey(ctx context.Context, v apiKeyValidator, logger *zap.Logger) error {
	err := v.ValidateAPIKey(ctx)
	switch {
	case err == nil:
		logger.Info("weather api key accepted")
		return nil
	case errors.Is(err, client.ErrInvalidAPIKey):
		return err
	default:
		logger.Warn("weather api key check inconclusive", zap.Error(err))
		return nil
	}
}

// newRouter mounts the public routes. Only /weather is rate limited and
// carries the request deadline.
func newRouter(handler *httphandler.Handler, limiter *rate.Limiter, requestTimeout time.Duration, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/", handler.Redirect).Methods("GET")
	router.HandleFunc("/docs", handler.Docs).Methods("GET")
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(httphandler.RateLimitMiddleware(limiter))
	weatherRouter.Use(httphandler.TimeoutMiddleware(requestTimeout))
	weatherRouter.HandleFunc("/{location}", handler.GetWeather).Methods("GET")
	return router
}
