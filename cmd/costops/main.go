package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/costops/config"
	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/api"
	"github.com/vnmchuo/costops/internal/budget"
	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/logging"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/seeder"
	"github.com/vnmchuo/costops/internal/telemetry"
	"github.com/vnmchuo/costops/internal/usage"
	"github.com/vnmchuo/costops/internal/worker"
	"github.com/vnmchuo/costops/migrations"
	"github.com/vnmchuo/costops/pkg/ratelimit"
)

const currency = "USD"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging and telemetry
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracer, err := telemetry.InitTracer("costops", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("failed to shutdown tracer provider", zap.Error(err))
		}
	}()
	tracer := otel.GetTracerProvider().Tracer("costops")

	ctx := context.Background()

	// 3. Stores: PostgreSQL when configured, memory otherwise
	var (
		records    usage.Store
		priceRep   pricing.Repository
		budgets    budget.Store
		deadLetter ingest.DeadLetterStore
	)
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		if os.Getenv("RUN_MIGRATIONS") == "true" {
			if err := migrations.Apply(ctx, pool); err != nil {
				logger.Fatal("failed to migrate", zap.Error(err))
			}
		}
		logger.Info("PostgreSQL connected")

		records = usage.NewPostgresStore(pool)
		priceRep = pricing.NewPostgresRepository(pool)
		budgets = budget.NewPostgresStore(pool)
		deadLetter = ingest.NewPostgresDeadLetterStore(pool)
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory stores")
		records = usage.NewMemoryStore(32)
		priceRep = pricing.NewMemoryRepository()
		budgets = budget.NewMemoryStore()
		deadLetter = ingest.NewMemoryDeadLetterStore()
	}

	// 4. Redis: shared price cache and ingestion rate limiting
	var (
		cache   pricing.Cache = pricing.NewLocalCache(cfg.PriceCacheTTL)
		limiter *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("Redis connected")

		cache = pricing.NewRedisCache(rdb, cfg.PriceCacheTTL, logger)
		limiter = ratelimit.NewLimiter(rdb, cfg.IngestRateLimit)
	}

	// 5. Pricing
	prices := pricing.NewTable(priceRep, cache, currency)
	if cfg.PricingFile != "" {
		if _, err := seeder.SeedPricing(ctx, prices, cfg.PricingFile); err != nil {
			logger.Fatal("failed to seed pricing", zap.Error(err))
		}
	}

	// 6. Aggregation and budgets
	engine := aggregate.NewEngine(records, cfg.AggregateParallelism, tracer)

	notifier := budget.MultiNotifier{budget.LogNotifier{}}
	if cfg.AlertWebhookURL != "" {
		notifier = append(notifier, budget.NewWebhookNotifier(cfg.AlertWebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}
	tracker := budget.NewTracker(budgets, engine, notifier, tracer, currency, cfg.BudgetMaxRetries)

	// 7. Ingestion
	normalizer := ingest.NewNormalizer(records, pricing.NewResolver(prices), tracker, tracer, ingest.Options{
		Workers:      cfg.IngestWorkers,
		MaxBatchSize: cfg.MaxBatchSize,
		MaxClockSkew: cfg.MaxClockSkew,
	})
	parked := ingest.NewDeadLetters(deadLetter, normalizer, ingest.DeadLetterOptions{MaxAttempts: cfg.DeadLetterMaxAttempts})

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = ingest.Connect(cfg.NATSURL)
		if err != nil {
			logger.Fatal("failed to connect nats", zap.Error(err))
		}
		defer nc.Close()

		consumer := ingest.NewConsumer(nc, cfg.NATSSubject, normalizer, parked, 30*time.Second, logger)
		if err := consumer.Start(); err != nil {
			logger.Fatal("failed to start nats consumer", zap.Error(err))
		}
		defer consumer.Stop()
	}

	// 8. Background jobs
	jobsCtx, stopJobs := context.WithCancel(ctx)
	runner := worker.NewRunner(
		worker.RetentionJob(records, cfg.RetentionDays, time.Now),
		worker.RecomputeJob(normalizer, cfg.RecomputeInterval),
		worker.DeadLetterJob(parked, cfg.DeadLetterInterval),
	)
	runner.Start(jobsCtx)

	// 9. HTTP
	handler := api.NewHandler(normalizer, parked, records, prices, engine, tracker, limiter, tracer)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("costops starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	stopJobs()
	runner.Wait()
	logger.Info("Server stopped")
}
