// Package main provides the prescription assistant HTTP API entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/api"
	"github.com/drfirst/go-rxassist/internal/assistant"
	"github.com/drfirst/go-rxassist/internal/config"
	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/export"
	"github.com/drfirst/go-rxassist/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxassist/internal/infrastructure/sqlite"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
	"github.com/drfirst/go-rxassist/internal/observability/tracing"
	"github.com/drfirst/go-rxassist/internal/reload"
	"github.com/drfirst/go-rxassist/internal/training"
	"github.com/drfirst/go-rxassist/pkg/circuitbreaker"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(api.ServiceName)
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Environment = cfg.Environment
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	m := metrics.New(nil)

	// Train the initial model
	started := time.Now()
	ds, err := training.LoadDatasetFile(cfg.DatasetPath)
	if err != nil {
		logger.Fatal("failed to load dataset", zap.String("path", cfg.DatasetPath), zap.Error(err))
	}
	predictor, err := training.Build(ctx, ds, cfg.Forest)
	if err != nil {
		logger.Fatal("failed to train model", zap.Error(err))
	}
	info := predictor.Info()
	m.SetModelVersion(info.Version)
	logger.Info("model trained",
		zap.String("version", info.Version),
		zap.Int("rows", info.TrainingRows),
		zap.Float64("training_accuracy", info.TrainingAccuracy),
		zap.Duration("took", time.Since(started)))

	precautions, err := loadPrecautions(cfg.PrecautionsPath)
	if err != nil {
		logger.Fatal("failed to load precautions", zap.String("path", cfg.PrecautionsPath), zap.Error(err))
	}

	service, err := prescription.NewService(predictor, precautions, logger)
	if err != nil {
		logger.Fatal("failed to create prescription service", zap.Error(err))
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open record store", zap.Error(err))
	}
	defer store.Close()

	reloader := reload.NewReloader(cfg.DatasetPath, cfg.Forest, service, logger)
	reloader.OnReload = func(info prescription.ModelInfo, err error) {
		if err != nil {
			m.ModelReloads.WithLabelValues("failure").Inc()
			return
		}
		m.ModelReloads.WithLabelValues("success").Inc()
		m.SetModelVersion(info.Version)
	}

	if cfg.WatchDataset {
		watcher, err := reload.NewWatcher(reloader, reload.DefaultDebounce, logger)
		if err != nil {
			logger.Fatal("failed to watch dataset", zap.Error(err))
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("dataset watcher stopped", zap.Error(err))
			}
		}()
		logger.Info("watching dataset for changes", zap.String("path", cfg.DatasetPath))
	}

	// PDF export is optional; without a font the endpoint answers 503.
	renderer, err := export.NewRenderer(cfg.PDFFontPath)
	if err != nil {
		logger.Warn("pdf export disabled", zap.Error(err))
	}

	breakerCfg := circuitbreaker.DefaultConfig("assistant")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}
	asker := assistant.NewClient(assistant.Config{
		BaseURL: cfg.AssistantURL,
		Model:   cfg.AssistantModel,
	}, breaker, logger)

	if len(cfg.AdminAPIKeys) == 0 {
		logger.Warn("ADMIN_API_KEYS is empty, admin routes reject every request")
	}

	handler := api.NewRouter(api.Deps{
		Service:      service,
		Store:        store,
		Renderer:     renderer,
		Assistant:    asker,
		Reloader:     reloader,
		AdminAPIKeys: cfg.AdminAPIKeys,
		Metrics:      m,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // assistant answers can be slow
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting prescription API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadPrecautions(path string) (prescription.PrecautionTable, error) {
	if path == "" {
		return prescription.DefaultPrecautions(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return prescription.LoadPrecautions(f)
}

// openStore opens the record store selected by DATABASE_URL. PostgreSQL is
// migrated first and also receives outbox entries for the event pipeline.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (prescription.RecordStore, error) {
	kind, err := cfg.Store()
	if err != nil {
		return nil, err
	}

	switch kind {
	case config.StorePostgres:
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to database", zap.String("store", string(kind)))
		return prescription.NewRepository(pool, logger), nil
	default:
		store, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		logger.Info("opened database", zap.String("store", string(kind)), zap.String("path", cfg.SQLitePath()))
		return store, nil
	}
}
