// Package reload rebuilds the prescription model from the dataset and swaps
// it into a running service.
package reload

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
	"github.com/drfirst/go-rxassist/internal/training"
)

// ErrInProgress is returned by TryReload while another reload is running
var ErrInProgress = errors.New("model reload already in progress")

// Reloader retrains from a dataset file. Reloads are serialized; a failed
// reload leaves the running model untouched.
type Reloader struct {
	path    string
	cfg     forest.Config
	service *prescription.Service
	logger  *zap.Logger

	// OnReload, when set, is called after every attempt.
	OnReload func(info prescription.ModelInfo, err error)

	mu sync.Mutex
}

// NewReloader creates a reloader for the dataset at path
func NewReloader(path string, cfg forest.Config, service *prescription.Service, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		path:    path,
		cfg:     cfg,
		service: service,
		logger:  logger,
	}
}

// Reload loads the dataset, trains a new predictor and swaps it in.
func (r *Reloader) Reload(ctx context.Context) (prescription.ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reload(ctx)
}

// TryReload is Reload but fails fast with ErrInProgress instead of waiting.
func (r *Reloader) TryReload(ctx context.Context) (prescription.ModelInfo, error) {
	if !r.mu.TryLock() {
		return prescription.ModelInfo{}, ErrInProgress
	}
	defer r.mu.Unlock()
	return r.reload(ctx)
}

func (r *Reloader) reload(ctx context.Context) (info prescription.ModelInfo, err error) {
	start := time.Now()
	defer func() {
		if r.OnReload != nil {
			r.OnReload(info, err)
		}
	}()

	ds, err := training.LoadDatasetFile(r.path)
	if err != nil {
		r.logger.Error("model reload failed, keeping current model", zap.String("path", r.path), zap.Error(err))
		return prescription.ModelInfo{}, err
	}

	p, err := training.Build(ctx, ds, r.cfg)
	if err != nil {
		r.logger.Error("model reload failed, keeping current model", zap.String("path", r.path), zap.Error(err))
		return prescription.ModelInfo{}, err
	}

	if _, err := r.service.Swap(p); err != nil {
		return prescription.ModelInfo{}, err
	}

	info = p.Info()
	r.logger.Info("model reloaded",
		zap.String("version", info.Version),
		zap.Int("rows", info.TrainingRows),
		zap.Float64("training_accuracy", info.TrainingAccuracy),
		zap.Duration("duration", time.Since(start)),
	)
	return info, nil
}

// Path returns the dataset path
func (r *Reloader) Path() string { return r.path }
