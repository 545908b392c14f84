// Package main provides the export worker entry point. It consumes
// prescription events and archives a rendered PDF for every record.
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
	"github.com/drfirst/go-rxassist/internal/export"
	"github.com/drfirst/go-rxassist/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxassist/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
	"github.com/drfirst/go-rxassist/internal/observability/tracing"
	"github.com/drfirst/go-rxassist/pkg/idempotency"
	"github.com/drfirst/go-rxassist/pkg/workerpool"
)

const serviceName = "export-worker"

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
		logger.Fatal("export worker requires a PostgreSQL DATABASE_URL", zap.String("store", string(kind)))
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

	renderer, err := export.NewRenderer(cfg.PDFFontPath)
	if err != nil {
		logger.Fatal("pdf renderer unavailable", zap.Error(err))
	}

	if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()

	exp := &exporter{
		inbox:    inbox,
		docs:     postgres.NewDocumentStore(pool),
		renderer: renderer,
		metrics:  m,
		logger:   logger,
	}

	workers, err := workerpool.New(workerpool.DefaultConfig(), exp.render, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()
	exp.pool = workers

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, exp.handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("export worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup))

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

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Warn("consumer lag reporting disabled", zap.Error(err))
	} else {
		defer admin.Close()
		go reportLag(ctx, admin, cfg.ConsumerGroup, m, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the consumer first so no new tasks reach the pool.
	consumer.Stop()
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	poolStats := workers.Stats()
	logger.Info("export worker stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("handler_errors", stats.ErrorCount),
		zap.Int64("documents", poolStats.TasksCompleted),
		zap.Int64("render_failures", poolStats.TasksFailed))
}

// reportLag publishes the consumer group lag until ctx is done
func reportLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Debug("consumer lag unavailable", zap.Error(err))
				continue
			}
			m.ConsumerLag.Set(float64(lag))
		}
	}
}
