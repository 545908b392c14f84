package reload

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for writes to settle
const DefaultDebounce = 2 * time.Second

// Watcher triggers a Reloader whenever the dataset file changes.
type Watcher struct {
	reloader *Reloader
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the reloader's dataset. A debounce of
// zero uses DefaultDebounce.
func NewWatcher(reloader *Reloader, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := w.Add(filepath.Dir(reloader.Path())); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		reloader: reloader,
		debounce: debounce,
		logger:   logger,
		watcher:  w,
	}, nil
}

// Run processes file events until ctx is cancelled. It closes the underlying
// fsnotify watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.reloader.Path())
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("dataset changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("dataset watcher error", zap.Error(err))

		case <-timer.C:
			if _, err := w.reloader.Reload(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("dataset reload rejected", zap.Error(err))
			}
		}
	}
}
