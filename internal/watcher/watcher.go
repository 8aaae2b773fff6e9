// Package watcher watches the on-disk account store and triggers in-memory
// reloads when a sibling process rewrites it. It supports cross-platform
// fsnotify event handling.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events an atomic tmp+rename save
// produces into a single reload.
const reloadDebounce = 150 * time.Millisecond

// Reloader is the subset of the account manager the watcher drives.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher observes one account store file.
type Watcher struct {
	path     string
	reloader Reloader
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for the store file at path.
func New(path string, reloader Reloader) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create failed: %w", err)
	}
	return &Watcher{path: path, reloader: reloader, watcher: fsWatcher}, nil
}

// Run watches until the context is cancelled. The parent directory is watched
// rather than the file itself so atomic renames keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watcher: watch %s failed: %w", dir, err)
	}
	defer func() { _ = w.watcher.Close() }()

	log.WithField("path", w.path).Debug("watcher: observing account store")

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reloader.Reload(ctx); err != nil {
			log.Warnf("watcher: reload failed: %v", err)
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
