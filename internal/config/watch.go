package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDelay is how long Watch waits for writes to settle.
const DefaultWatchDelay = 500 * time.Millisecond

// Watch calls onChange after the file at path is written, created or
// renamed into place, once the changes have settled for delay. The
// directory is watched so editors that replace the file are followed.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, delay time.Duration, onChange func(), logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "config.watch"))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(delay)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			logger.Info("config file changed", slog.String("path", path))
			onChange()
		}
	}
}
