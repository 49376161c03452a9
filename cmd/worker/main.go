package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/dispatch"
	"github.com/ignite/mailflow/internal/pkg/distlock"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/provider"
	"github.com/ignite/mailflow/internal/ratelimit"
	"github.com/ignite/mailflow/internal/repository/postgres"
	"github.com/ignite/mailflow/internal/suppression"
	"github.com/ignite/mailflow/internal/tracking"
	"github.com/ignite/mailflow/internal/worker"

	"github.com/redis/go-redis/v9"
)

// The worker binary runs the outbound pipeline: claim queued messages,
// dispatch them through suppression and rate limiting, and prune expired
// dedup records.
func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Printf("Warning: invalid REDIS_URL: %v", err)
		} else {
			redisClient = redis.NewClient(opts)
			pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				log.Printf("Warning: Redis unavailable (%v), using in-process rate limiting", err)
				redisClient.Close()
				redisClient = nil
			}
			pingCancel()
		}
	}

	// Send quota: shared across instances via Redis when available.
	var sendLimiter ratelimit.Limiter
	if redisClient != nil {
		sendLimiter, err = ratelimit.NewRedisLimiter(redisClient, "provider_send",
			uint(cfg.Dispatch.RatePerWindow), cfg.Dispatch.Window())
	} else {
		sendLimiter, err = ratelimit.NewWindowLimiter(uint(cfg.Dispatch.RatePerWindow), cfg.Dispatch.Window())
	}
	if err != nil {
		log.Fatalf("Invalid dispatch rate limit: %v", err)
	}

	providerClient, err := buildProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build provider client: %v", err)
	}

	suppressionRepo := postgres.NewSuppressionRepo(db)
	suppressions := suppression.NewService(suppressionRepo, suppression.Policy{
		SoftBounceThreshold: cfg.Suppression.SoftBounceThreshold,
	})
	if err := suppressions.WarmCache(ctx); err != nil {
		log.Printf("Warning: suppression cache warmup failed: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(providerClient, sendLimiter, suppressions, dispatch.Options{
		MaxRetries:   cfg.Dispatch.MaxRetries,
		RetryBase:    cfg.Dispatch.RetryBase(),
		JitterMax:    cfg.Dispatch.RetryJitter(),
		WaitForQuota: cfg.Dispatch.WaitForQuota,
		MaxQuotaWait: cfg.Dispatch.MaxQuotaWait(),
	})

	codec := tracking.NewCodec(cfg.Tracking.SigningSecret, cfg.Tracking.BaseURL)
	injector := tracking.NewInjector(codec)

	queue := postgres.NewQueueRepo(db)
	messages := postgres.NewMessageRepo(db)
	pool := worker.NewSendWorkerPool(queue, dispatcher, messages,
		worker.WithWorkers(cfg.Dispatch.Workers),
		worker.WithBatchSize(cfg.Dispatch.BatchSize),
		worker.WithInjector(injector),
	)
	pool.Start(ctx)

	pruneLock := distlock.NewLock(redisClient, db, "dedup_prune", 5*time.Minute)
	pruner := worker.NewDedupPruner(postgres.NewDedupRepo(db), pruneLock,
		cfg.Dedup.Retention(), cfg.Dedup.PruneInterval())
	pruner.Start(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	pruner.Stop()
	pool.Stop()
	cancel()
}

// buildProvider picks the configured provider client. SparkPost wins when
// both are enabled; it is the primary sending path.
func buildProvider(ctx context.Context, cfg *config.Config) (provider.Client, error) {
	if cfg.SparkPost.Enabled {
		return provider.NewSparkPostClient(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL, cfg.SparkPost.Timeout()), nil
	}
	if cfg.SES.Enabled {
		return provider.NewSESClient(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.Timeout())
	}
	return provider.NewSparkPostClient(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL, cfg.SparkPost.Timeout()), nil
}
