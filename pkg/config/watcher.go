package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives a configuration that was reloaded after a file change.
type ReloadFunc func(*Config) error

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	path   string
	delay  time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	reloadMu sync.Mutex
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		delay:  500 * time.Millisecond,
		logger: logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
	}
}

// SetDebounce sets how long the watcher waits for writes to settle before reloading.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.delay = d
}

// Watch starts watching in the background. Invalid files are logged and
// skipped; reloadFn only sees configurations that passed validation.
func (w *Watcher) Watch(ctx context.Context, reloadFn ReloadFunc) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace files instead of writing them, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, abs, reloadFn)

	w.logger.Info().Msg("Started watching configuration")
	return nil
}

// processEvents processes file system events and triggers reloads.
func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, abs string, reloadFn ReloadFunc) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				if err := w.reload(reloadFn); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload configuration")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(reloadFn ReloadFunc) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := reloadFn(cfg); err != nil {
		return fmt.Errorf("failed to apply reloaded configuration: %w", err)
	}

	w.logger.Info().Msg("Configuration reloaded")
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}
