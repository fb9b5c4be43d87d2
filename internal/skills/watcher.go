package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the loader when skill files change on disk. Reloads are
// debounced because editors fire several events per save.
type Watcher struct {
	loader *Loader
	fs     *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{loader: loader, fs: fw, done: make(chan struct{})}, nil
}

// Start watches the loader's directories and their skill subdirectories.
// It fails only when no directory could be watched at all.
func (w *Watcher) Start(ctx context.Context) error {
	watched := 0
	for _, dir := range w.loader.Dirs() {
		if err := w.fs.Add(dir); err != nil {
			slog.Debug("skills dir not watchable", "dir", dir, "error", err)
			continue
		}
		watched++
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				w.fs.Add(dir + string(os.PathSeparator) + entry.Name())
			}
		}
	}
	if watched == 0 {
		return fmt.Errorf("no skills directories to watch")
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// A new skill directory needs its own watch for the
				// SKILL.md that lands inside it.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.fs.Add(event.Name)
				}
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("skills watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounce, func() {
		w.loader.Reload()
		slog.Debug("skills reloaded", "count", len(w.loader.ListSkills()))
	})
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fs.Close()
		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
		}
		w.mu.Unlock()
	})
}
