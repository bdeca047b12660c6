package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"homeguard/internal/logger"
)

const (
	reloadDebounce = 200 * time.Millisecond
	pollInterval   = 30 * time.Second
)

// Watch reloads the file at path whenever it changes and hands every
// successfully validated result to onChange. Invalid edits are logged and
// ignored. When fsnotify is unavailable the file is polled instead.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	ctx = logger.WithName(ctx, "config-watch")
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WarnKV(ctx, "fsnotify unavailable, polling config file", "error", err, "interval", pollInterval)

		return poll(ctx, path, pollInterval, onChange)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.WarnKV(ctx, "Cannot watch config directory, polling instead", "error", err)

		return poll(ctx, path, pollInterval, onChange)
	}

	logger.InfoKV(ctx, "Watching configuration", "path", path)

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.WarnKV(ctx, "Config watcher error", "error", err)
		case <-debounce:
			debounce = nil
			reload(ctx, path, onChange)
		}
	}
}

func poll(ctx context.Context, path string, interval time.Duration, onChange func(*Config)) error {
	var last time.Time
	if info, err := os.Stat(path); err == nil {
		last = info.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil || !info.ModTime().After(last) {
				continue
			}

			last = info.ModTime()
			reload(ctx, path, onChange)
		}
	}
}

func reload(ctx context.Context, path string, onChange func(*Config)) {
	cfg, err := Load(path)
	if err != nil {
		logger.ErrorKV(ctx, "Ignoring invalid configuration change", "error", err)

		return
	}

	logger.InfoKV(ctx, "Configuration reloaded", "windows", len(cfg.Schedule.Windows))
	onChange(cfg)
}
