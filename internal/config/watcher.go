package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors replacing the file by rename are seen. Invalid files are logged
// and ignored; the last good configuration stays current.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(old, cur *Config)
	current  *Config
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path. onChange runs on the watcher goroutine with the
// previous and the new configuration.
func NewWatcher(path string, current *Config, onChange func(old, cur *Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		onChange: onChange,
		current:  current,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is done. It closes the underlying
// watcher before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "path", w.path, "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config: reload rejected, keeping current configuration", "path", w.path, "error", err)
		return
	}

	live, restart := Changes(w.current, cfg)
	if len(live) == 0 && len(restart) == 0 {
		slog.Debug("config: file touched, no changes", "path", w.path)
		return
	}
	for _, change := range restart {
		slog.Warn("config: change requires restart", "change", change)
	}
	for _, change := range live {
		slog.Info("config changed", "change", change)
	}

	old := w.current
	w.current = cfg
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}
