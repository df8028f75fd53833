package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database. Empty means in-memory stores.
	PostgresDSN string

	// Cache and rate limiting. Empty disables both.
	RedisAddr string

	// Stream ingestion. Empty disables the NATS consumer.
	NATSURL     string
	NATSSubject string // default: "costops.usage"

	// Pricing
	PricingFile   string        // optional YAML seed
	PriceCacheTTL time.Duration // default: 5m

	// Ingestion
	IngestWorkers   int           // default: 8
	MaxBatchSize    int           // default: 1000
	MaxClockSkew    time.Duration // default: 5m
	IngestRateLimit int64         // records per minute per source, default: 100000

	// Aggregation and budgets
	AggregateParallelism int // default: 4
	BudgetMaxRetries     int // default: 5
	AlertWebhookURL      string

	// Background jobs
	RetentionDays     int           // 0 disables the purge
	RecomputeInterval time.Duration // 0 disables scheduled recompute

	// Dead letters of stream ingestion
	DeadLetterInterval    time.Duration // default: 1m, 0 disables retries
	DeadLetterMaxAttempts int           // default: 5

	// Observability
	LogLevel             string // default: "info"
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		NATSURL:              os.Getenv("NATS_URL"),
		NATSSubject:          getEnv("NATS_SUBJECT", "costops.usage"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.IngestWorkers, err = getInt("INGEST_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.MaxBatchSize, err = getInt("MAX_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.AggregateParallelism, err = getInt("AGGREGATE_PARALLELISM", 4); err != nil {
		return nil, err
	}
	if cfg.BudgetMaxRetries, err = getInt("BUDGET_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = getInt("RETENTION_DAYS", 0); err != nil {
		return nil, err
	}
	if cfg.DeadLetterMaxAttempts, err = getInt("DEAD_LETTER_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.DeadLetterInterval, err = getDuration("DEAD_LETTER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxClockSkew, err = getDuration("MAX_CLOCK_SKEW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PriceCacheTTL, err = getDuration("PRICE_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RecomputeInterval, err = getDuration("RECOMPUTE_INTERVAL", 0); err != nil {
		return nil, err
	}

	limitStr := getEnv("INGEST_RATE_LIMIT", "100000")
	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid INGEST_RATE_LIMIT: %w", err)
	}
	cfg.IngestRateLimit = limit

	// Validation
	if cfg.IngestWorkers < 1 {
		return nil, fmt.Errorf("INGEST_WORKERS must be positive")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if cfg.DeadLetterMaxAttempts < 1 {
		return nil, fmt.Errorf("DEAD_LETTER_MAX_ATTEMPTS must be positive")
	}
	if cfg.RetentionDays < 0 {
		return nil, fmt.Errorf("RETENTION_DAYS must not be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
