package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	api "document-pipeline/internal/api"
	"document-pipeline/internal/audit"
	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/logging"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/ratelimit"
	"document-pipeline/internal/recovery"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "document-api"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer("document-api", logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	st := store.New(store.NewRedisKV(client), store.Options{
		DocumentTTL: cfg.DocumentTTL,
		JobStateTTL: cfg.JobStateTTL,
		ResultTTL:   cfg.ResultTTL,
	})
	q := queue.NewRedisQueue(client, cfg)

	rec, closeAudit, err := audit.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open audit store")
	}
	defer closeAudit()

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init blob storage")
	}

	server := api.New(cfg, api.Deps{
		Store:   st,
		Queue:   q,
		Blobs:   blobs,
		Limiter: ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Monitor: recovery.NewMonitor(st, q, logger, recovery.Options{GracePeriod: cfg.RecoveryGracePeriod, Audit: rec}),
		Audit:   rec,
		Logger:  logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("storage", cfg.StorageBackend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info().Msg("api stopped")
}
