package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a Config when its backing file changes.
type Watcher struct {
	cfg      *Config
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(*Config)
	log      *logrus.Entry

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory holding cfg's file. Editors replace files
// via rename, so the directory is watched rather than the file itself.
func NewWatcher(cfg *Config, debounce time.Duration, log *logrus.Entry, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(cfg.Path())); err != nil {
		w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{cfg: cfg, watcher: w, debounce: debounce, onReload: onReload, log: log}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	target := filepath.Clean(w.cfg.Path())

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if err := w.cfg.Reload(); err != nil {
		w.log.WithError(err).Warn("config reload failed, keeping previous values")
		return
	}
	w.log.WithField("path", w.cfg.Path()).Info("config reloaded")
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}
