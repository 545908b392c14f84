// Package main provides the outbox relay entry point. It publishes
// prescription events committed to the outbox table to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/config"
	"github.com/drfirst/go-rxassist/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxassist/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
	"github.com/drfirst/go-rxassist/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if kind, _ := cfg.Store(); kind != config.StorePostgres {
		logger.Fatal("outbox relay requires a PostgreSQL DATABASE_URL", zap.String("store", string(kind)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Environment = cfg.Environment
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Strings("brokers", cfg.KafkaBrokers), zap.Error(err))
	}
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, &countingPublisher{producer: producer, published: m}, outboxCfg, logger)

	outbox.Start()
	logger.Info("outbox relay started")

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go maintain(ctx, outbox, m, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	outbox.Stop()
	if err := producer.Close(); err != nil {
		logger.Warn("producer close error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
}

// countingPublisher counts successful publishes
type countingPublisher struct {
	producer  *redpanda.Producer
	published *metrics.Metrics
}

var _ postgres.OutboxPublisher = (*countingPublisher)(nil)

func (p *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := p.producer.Publish(ctx, topic, key, value); err != nil {
		return err
	}
	p.published.EventsPublished.Inc()
	return nil
}

// maintain refreshes the pending outbox gauge and purges published entries
// older than a week until ctx is done
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			deleted, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if deleted > 0 {
				logger.Info("outbox cleanup completed", zap.Int64("deleted", deleted))
			}
		case <-ticker.C:
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Failed > 0 {
				logger.Warn("outbox entries awaiting dead letter", zap.Int64("count", stats.Failed))
			}
		}
	}
}
