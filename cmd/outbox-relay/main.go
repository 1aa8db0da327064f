// Package main provides the outbox relay service entry point.
// It publishes committed outbox rows to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/config"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/postgres"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/redpanda"
	"github.com/cmmsalud/clinic-api/internal/observability/metrics"
	"github.com/cmmsalud/clinic-api/internal/observability/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, cfg.Tracing("clinic-outbox-relay", version))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.Pool())
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(tctx); err != nil {
		logger.Warn("topic setup incomplete", zap.Error(err))
	}
	cancel()
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New()

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)
	outbox.Start()
	logger.Info("outbox relay started")

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(hctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := producer.Ping(hctx); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.RelayMetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
	outbox.Stop()
	logger.Info("outbox relay stopped")
}
