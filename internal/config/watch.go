package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultPollInterval = time.Second
	settleDelay         = 50 * time.Millisecond
)

// Watcher reloads a config file when it changes on disk. Files that fail to
// load are logged and skipped; the last good config stays in effect.
type Watcher struct {
	path     string
	onChange func(Config)
	log      *slog.Logger
	poll     time.Duration

	lastMod time.Time
}

func NewWatcher(path string, onChange func(Config), log *slog.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		log:      log.With(slog.String("component", "config-watch")),
		poll:     defaultPollInterval,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// Run blocks until ctx is done. It relies on fsnotify and keeps a slow
// modification-time poll running in case events are missed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify not available, falling back to polling", slog.String("error", err.Error()))
		return w.pollLoop(ctx, nil)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.log.Warn("failed to watch config directory, falling back to polling", slog.String("error", err.Error()))
		return w.pollLoop(ctx, nil)
	}
	w.log.Info("watching config", slog.String("path", w.path))
	return w.pollLoop(ctx, watcher)
}

func (w *Watcher) pollLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				w.log.Info("fsnotify watcher closed, switching to polling")
				events, errs = nil, nil
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			time.Sleep(settleDelay)
			w.check()
		case err, ok := <-errs:
			if ok {
				w.log.Warn("config watch error", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its modification time moved.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("ignoring invalid config change", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.log.Info("config reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}
