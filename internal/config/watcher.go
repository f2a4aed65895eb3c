package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long the watcher waits after the last change to
// the file before reloading it.
const DefaultSettle = 500 * time.Millisecond

// Watch reloads the configuration at path whenever it changes and passes
// every successfully validated document to apply. Invalid documents are
// logged and skipped, leaving the running configuration in place.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are picked up. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, settle time.Duration, log logrus.FieldLogger, apply func(*NodeConfig)) error {
	if settle <= 0 {
		settle = DefaultSettle
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log = log.WithField("path", path)

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(settle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				log.WithError(err).Error("config reload rejected")
				continue
			}
			log.WithField("version", cfg.Version).Info("config reloaded")
			apply(cfg)
		}
	}
}
