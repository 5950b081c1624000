package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/buildcache/pkg/telemetry"
)

// ReloadFunc receives every reload result. err is set when the changed
// configuration failed to load.
type ReloadFunc func(cfg *BuildConfig, err error)

// DefaultReloadDelay debounces bursts of file events.
const DefaultReloadDelay = 300 * time.Millisecond

// configExtensions are the file types that trigger a reload.
var configExtensions = map[string]bool{
	".cue":  true,
	".yaml": true,
	".yml":  true,
	".json": true,
}

// Watch reloads the configuration at path whenever it changes and passes the
// result to reload. It blocks until ctx ends. For a file the parent
// directory is watched so that editors replacing the file are noticed.
func (l *Loader) Watch(ctx context.Context, path string, delay time.Duration, logger *telemetry.Logger, reload ReloadFunc) error {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("config-watcher")
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat path for watching: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	var match func(name string) bool
	if info.IsDir() {
		if err := watchDirectory(watcher, path); err != nil {
			return fmt.Errorf("failed to watch directory: %w", err)
		}
		match = func(name string) bool {
			return configExtensions[strings.ToLower(filepath.Ext(name))]
		}
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("failed to watch file: %w", err)
		}
		match = func(name string) bool {
			n, err := filepath.Abs(name)
			return err == nil && n == abs
		}
	}

	logger.WithField("path", path).Info("watching configuration for changes")

	var (
		mu          sync.Mutex
		reloadTimer *time.Timer
	)
	defer func() {
		mu.Lock()
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		mu.Unlock()
	}()

	trigger := func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := l.Load(ctx, path)
		if err != nil {
			logger.WithError(err).Warn("configuration reload failed")
		} else {
			logger.Info("configuration reloaded")
		}
		reload(cfg, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !match(event.Name) {
				continue
			}
			logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("configuration file changed")

			mu.Lock()
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(delay, trigger)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("watcher error")
		}
	}
}

// watchDirectory adds dirPath and its subdirectories to the watcher.
func watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
