package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/ratelimit"
	"github.com/ignite/mailflow/internal/reconcile"
	"github.com/ignite/mailflow/internal/repository/postgres"
	"github.com/ignite/mailflow/internal/suppression"
	"github.com/ignite/mailflow/internal/tracking"
	"github.com/ignite/mailflow/internal/webhook"
)

// The server binary hosts the inbound surfaces: the provider webhook
// endpoint and the public tracking endpoints. The send pipeline runs in
// cmd/worker.
func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	if cfg.Webhook.RequireSignature && cfg.Webhook.SigningSecret == "" {
		log.Fatal("webhook.require_signature is set but no signing secret is configured")
	}

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

	// Suppression service with warm cache; the reconciler feeds it bounce
	// and complaint events.
	suppressionRepo := postgres.NewSuppressionRepo(db)
	suppressions := suppression.NewService(suppressionRepo, suppression.Policy{
		SoftBounceThreshold: cfg.Suppression.SoftBounceThreshold,
	})
	if err := suppressions.WarmCache(ctx); err != nil {
		log.Printf("Warning: suppression cache warmup failed: %v", err)
	}

	store := postgres.NewStore(db)
	reconciler := reconcile.NewReconciler(store, suppressions, tracking.NewBotDetector())

	// Webhook ingestion gets its own inbound limiter, independent of the
	// outbound send quota. Redis when available, in-process otherwise.
	var webhookLimiter ratelimit.Limiter
	if cfg.Webhook.RatePerWindow > 0 {
		webhookLimiter = buildLimiter(cfg, "webhook_ingest", uint(cfg.Webhook.RatePerWindow), cfg.Webhook.Window())
	}

	gateway := webhook.NewGateway(cfg.Webhook.SigningSecret)
	webhookHandler := webhook.NewHandler(gateway, reconciler, webhookLimiter, cfg.Webhook.MaxBodyBytes)

	codec := tracking.NewCodec(cfg.Tracking.SigningSecret, cfg.Tracking.BaseURL)
	bus := tracking.NewBus(cfg.Tracking.QueueSize)
	recipients := postgres.NewRecipientRepo(db)
	trackingHandler := tracking.NewHandler(codec, bus, recipients)

	// Tracking hits reconcile through the same path as webhook events.
	go bus.Drain(ctx, reconciler.Apply)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Tracking URLs land in mail clients and proxies everywhere.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		MaxAge:         300,
	}))

	webhookHandler.Routes(r)
	trackingHandler.Routes(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"webhook":%s,"reconcile":%s,"tracking_dropped":%d}`,
			statsJSON(webhookHandler.Stats()), statsJSON(reconciler.Stats()), bus.Dropped())
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func buildLimiter(cfg *config.Config, name string, limit uint, window time.Duration) ratelimit.Limiter {
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		l, err := ratelimit.NewRedisLimiterFromURL(cfg.Redis.URL, name, limit, window)
		if err == nil {
			return l
		}
		log.Printf("Warning: Redis limiter unavailable (%v), using in-process limiter", err)
	}
	l, err := ratelimit.NewWindowLimiter(limit, window)
	if err != nil {
		log.Fatalf("Invalid rate limit config for %s: %v", name, err)
	}
	return l
}

func statsJSON(stats map[string]int64) string {
	out := "{"
	first := true
	for k, v := range stats {
		if !first {
			out += ","
		}
		first = false
		out += fmt.Sprintf("%q:%d", k, v)
	}
	return out + "}"
}
