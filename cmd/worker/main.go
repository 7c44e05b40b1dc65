package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/logging"
	"document-pipeline/internal/pipeline"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/ratelimit"
	"document-pipeline/internal/recovery"
	"document-pipeline/internal/stages"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
	"document-pipeline/internal/webhook"
	workerproc "document-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.WorkerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "document-worker"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer("document-worker", logger)
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
	provider := stages.NewProvider(cfg, ratelimit.PerMinute(client, cfg.OCRRateLimit), logger)
	registry, err := stages.NewRegistry(cfg, blobs, provider, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build stage registry")
	}

	envelope := pipeline.NewEnvelope(logger, pipeline.Budget{
		MaxRetries:     cfg.StageMaxRetries,
		RetryBaseDelay: cfg.StageRetryBaseDelay,
		Timeout:        cfg.StageTimeout,
	})
	orchestrator := pipeline.NewOrchestrator(st, registry, envelope, q, logger, pipeline.Options{
		NotifyFailures:     cfg.NotifyFailures,
		WebhookMaxAttempts: cfg.WebhookTaskMaxAttempts,
		Audit:              rec,
		Tracer:             telemetry.Tracer(),
	})
	dispatcher := webhook.NewDispatcher(st, logger, webhook.Options{
		Timeout:     cfg.WebhookTimeout,
		Concurrency: cfg.WebhookConcurrency,
		Audit:       rec,
	})

	monitor := recovery.NewMonitor(st, q, logger, recovery.Options{GracePeriod: cfg.RecoveryGracePeriod, Audit: rec})
	if _, err := monitor.Scan(ctx); err != nil {
		logger.Error().Err(err).Msg("startup recovery scan failed")
	}

	processor := workerproc.NewProcessor(cfg, q, logger)
	processor.RegisterHandler(queue.TaskProcessDocument, workerproc.DocumentHandler(orchestrator, logger))
	processor.RegisterHandler(queue.TaskTriggerWebhooks, workerproc.WebhookHandler(dispatcher))
	processor.OnDeadLetter(workerproc.DeadLetterHook(st, rec, logger))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Str("ocr_provider", provider.Name()).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker stopped")
	}
	logger.Info().Msg("worker stopped")
}
