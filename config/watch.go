package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when it changes on disk. The
// parent directory is watched rather than the file, so editors and
// config management tools that replace the file by rename are seen.
type Watcher struct {
	path    string
	w       *fsnotify.Watcher
	logger  *slog.Logger
	settle  time.Duration
	current *Config
}

// NewWatcher starts watching path. It loads the file once so that a
// broken file is reported immediately.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, w: w, logger: logger, settle: 100 * time.Millisecond, current: cfg}, nil
}

// Current returns the configuration loaded by NewWatcher. Run does not
// update it; reloaded values go to the callback.
func (w *Watcher) Current() *Config { return w.current }

// Run delivers each successfully reloaded configuration to onChange
// until ctx is done. Bursts of events are coalesced. A file that fails
// to load is logged and the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config)) error {
	defer func() { _ = w.w.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.settle)
			} else {
				timer.Reset(w.settle)
			}
			fire = timer.C
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "config watch error", "path", w.path, "error", err)
		case <-fire:
			fire = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.ErrorContext(ctx, "config reload failed, keeping previous", "path", w.path, "error", err)
				continue
			}
			w.logger.InfoContext(ctx, "config reloaded", "path", w.path)
			onChange(cfg)
		}
	}
}
