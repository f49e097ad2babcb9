package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ahrav/ackpine/pkg/common/logger"
)

// Watcher reloads a configuration file whenever it changes on disk and hands
// every valid result to a callback. Invalid edits are logged and skipped, so
// the last good configuration stays in effect.
type Watcher struct {
	path   string
	loader Loader
	apply  func(*Config)
	logger *logger.Logger
}

// NewWatcher watches path and reloads it with loader. loader usually wraps a
// FileLoader for the same path.
func NewWatcher(path string, loader Loader, apply func(*Config), log *logger.Logger) *Watcher {
	return &Watcher{
		path:   filepath.Clean(path),
		loader: loader,
		apply:  apply,
		logger: log.With("component", "config.watcher", "path", path),
	}
}

// Watch blocks until ctx is done. The directory is watched rather than the
// file so editors that replace the file by rename are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.loader.Load(ctx)
	if err != nil {
		w.logger.Warn(ctx, "ignoring invalid config change", "error", err)
		return
	}
	w.logger.Info(ctx, "config reloaded",
		"notification_rate", cfg.Notifications.RatePerSecond,
		"notification_burst", cfg.Notifications.Burst,
	)
	w.apply(cfg)
}
