package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailflow/internal/api"
	"mailflow/internal/config"
	"mailflow/internal/db"
	"mailflow/internal/delayqueue"
	"mailflow/internal/email"
	"mailflow/internal/metrics"
	"mailflow/internal/ratelimit"
	"mailflow/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := pingWithBackoff(ctx, store.Ping); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}

	// ------------------------------------------------
	// Redis (rate limiter + delay queue)
	// ------------------------------------------------
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := pingWithBackoff(ctx, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Delivery pipeline
	// ------------------------------------------------
	limiter := ratelimit.New(rdb)
	queue := delayqueue.New(rdb)

	sender := &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	}

	var global *rate.Limiter
	if cfg.GlobalRateLimit > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRateLimit), cfg.GlobalRateLimit)
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	processor := worker.NewProcessor(store, limiter, sender, global, logger)
	pool := worker.NewPool(queue, processor, cfg.WorkerCount, logger)
	pool.Start(ctx, &wg)

	logger.Info("worker pool running", zap.Int("workers", cfg.WorkerCount))

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store: store,
		Queue: queue,
		Defaults: api.Defaults{
			MinDelaySeconds: cfg.DefaultMinDelaySeconds,
			HourlyLimit:     cfg.DefaultHourlyLimit,
		},
		Log: logger,
	}

	apiMux := http.NewServeMux()
	apiHandler.Routes(apiMux)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiMux,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Wait workers to finish
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// pingWithBackoff retries a connectivity check with exponential backoff
// so the service survives its dependencies coming up slightly later.
func pingWithBackoff(ctx context.Context, ping func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return ping(ctx)
	}, backoff.WithContext(b, ctx))
}
