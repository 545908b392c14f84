// Package main provides rx-trainer, which trains the prescription model on a
// dataset and prints a hold-out evaluation report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/config"
	"github.com/drfirst/go-rxassist/internal/training"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, logger); err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}
}

// run parses args on top of cfg, evaluates on a hold-out split, fits the
// full model and writes the report to out.
func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer, logger *zap.Logger) error {
	fs := flag.NewFlagSet("rx-trainer", flag.ContinueOnError)
	fs.SetOutput(out)
	dataset := fs.String("dataset", cfg.DatasetPath, "path to the training CSV")
	trees := fs.Int("trees", cfg.Forest.Trees, "number of trees")
	maxDepth := fs.Int("max-depth", cfg.Forest.MaxDepth, "maximum tree depth, 0 for unlimited")
	seed := fs.Int64("seed", cfg.Forest.Seed, "training seed")
	testFraction := fs.Float64("test-fraction", 0.2, "share of rows held out for evaluation")
	splitSeed := fs.Int64("split-seed", 42, "seed for the train/test shuffle")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	forestCfg := cfg.Forest
	forestCfg.Trees = *trees
	forestCfg.MaxDepth = *maxDepth
	forestCfg.Seed = *seed

	ds, err := training.LoadDatasetFile(*dataset)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded", zap.String("path", *dataset), zap.Int("rows", ds.Len()))

	started := time.Now()
	report, err := training.Evaluate(ctx, ds, forestCfg, *testFraction, *splitSeed)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	logger.Info("hold-out evaluation done", zap.Duration("took", time.Since(started)))

	predictor, err := training.Build(ctx, ds, forestCfg)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	info := predictor.Info()

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Model      interface{}      `json:"model"`
			Evaluation *training.Report `json:"evaluation"`
		}{info, report})
	}

	fmt.Fprintf(out, "model %s: %d trees, max depth %d, seed %d\n", info.Version, info.Trees, info.MaxDepth, info.Seed)
	fmt.Fprintf(out, "training accuracy: %.4f on %d rows\n\n", info.TrainingAccuracy, info.TrainingRows)
	_, err = report.WriteTo(out)
	return err
}
