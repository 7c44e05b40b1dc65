package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	WorkerID           string
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	PriorityQueues     []string
	DLQName            string
	ScheduledBatchSize int

	StageMaxRetries     int
	StageRetryBaseDelay time.Duration
	StageTimeout        time.Duration

	DocumentTTL time.Duration
	JobStateTTL time.Duration
	ResultTTL   time.Duration

	RecoveryGracePeriod time.Duration
	StuckThreshold      time.Duration

	WebhookTimeout         time.Duration
	WebhookTaskMaxAttempts int
	WebhookConcurrency     int
	NotifyFailures         bool

	RateLimitCapacity int
	RateLimitRefill   float64

	MaxFileSize        int64
	SupportedFileTypes []string

	StorageBackend   string
	UploadDirectory  string
	StorageBucket    string
	StorageRegion    string
	StorageEndpoint  string
	StoragePathStyle bool

	OCRProvider            string
	OCRAPIURL              string
	OCRAPIKey              string
	OCRRateLimit           int
	OCRConfidenceThreshold float64
	ValidationStrict       bool

	APIKeyRequired bool
	APIKeys        []string

	TracingEnabled bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 5*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerID:           getEnv("WORKER_ID", ""),
		MaxAttempts:        getEnvInt("MAX_ATTEMPTS", 3),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", 30*time.Second),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		PriorityQueues:     getEnvList("PRIORITY_QUEUES", []string{"high", "default", "low"}),
		DLQName:            getEnv("DLQ_NAME", "queue:dlq"),
		ScheduledBatchSize: getEnvInt("SCHEDULED_BATCH_SIZE", 100),

		StageMaxRetries:     getEnvInt("STAGE_MAX_RETRIES", 3),
		StageRetryBaseDelay: getEnvDuration("STAGE_RETRY_BASE_DELAY", time.Second),
		StageTimeout:        getEnvDuration("STAGE_TIMEOUT", 30*time.Second),

		DocumentTTL: getEnvDuration("DOCUMENT_TTL", 24*time.Hour),
		JobStateTTL: getEnvDuration("JOB_STATE_TTL", 24*time.Hour),
		ResultTTL:   getEnvDuration("RESULT_TTL", time.Hour),

		RecoveryGracePeriod: getEnvDuration("RECOVERY_GRACE_PERIOD", 5*time.Minute),
		StuckThreshold:      getEnvDuration("STUCK_THRESHOLD", 10*time.Minute),

		WebhookTimeout:         getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookTaskMaxAttempts: getEnvInt("WEBHOOK_TASK_MAX_ATTEMPTS", 3),
		WebhookConcurrency:     getEnvInt("WEBHOOK_CONCURRENCY", 8),
		NotifyFailures:         getEnvBool("NOTIFY_FAILURES", true),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		MaxFileSize:        int64(getEnvInt("MAX_FILE_SIZE", 50*1024*1024)),
		SupportedFileTypes: getEnvList("SUPPORTED_FILE_TYPES", []string{".pdf", ".png", ".jpg", ".jpeg", ".tiff", ".bmp"}),

		StorageBackend:   getEnv("STORAGE_BACKEND", "local"),
		UploadDirectory:  getEnv("UPLOAD_DIRECTORY", "/tmp/document-uploads"),
		StorageBucket:    getEnv("STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("STORAGE_REGION", "us-east-1"),
		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", ""),
		StoragePathStyle: getEnvBool("STORAGE_PATH_STYLE", false),

		OCRProvider:            getEnv("OCR_PROVIDER", "stub"),
		OCRAPIURL:              getEnv("OCR_API_URL", "https://api.mistral.ai/v1/ocr"),
		OCRAPIKey:              getEnv("OCR_API_KEY", ""),
		OCRRateLimit:           getEnvInt("OCR_RATE_LIMIT", 60),
		OCRConfidenceThreshold: getEnvFloat("OCR_CONFIDENCE_THRESHOLD", 0.7),
		ValidationStrict:       getEnvBool("VALIDATION_STRICT", true),

		APIKeyRequired: getEnvBool("API_KEY_REQUIRED", false),
		APIKeys:        getEnvList("API_KEYS", nil),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
	}
}

// AllowsExtension reports whether ext (with leading dot) is an accepted upload type.
func (c Config) AllowsExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range c.SupportedFileTypes {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
