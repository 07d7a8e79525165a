// Package watcher reports source changes in installed extensions so that
// edits to local extensions can trigger a host restart.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 150 * time.Millisecond

// watchedSubdirs are the parts of an extension whose changes matter to the
// host. data/ and storage/ are written at runtime and are ignored.
var watchedSubdirs = []string{"build", filepath.Join(".output", "public")}

// Watcher emits batches of changed extension identifiers under root.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	events   chan []string
}

func New(root string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		logger:   logger,
		events:   make(chan []string, 16),
	}
}

// Events delivers sorted identifier batches. Closed when Start's context ends.
func (w *Watcher) Events() <-chan []string {
	return w.events
}

// identifier returns the extension a path belongs to and whether the path
// is one the host cares about.
func (w *Watcher) identifier(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	id := parts[0]
	if strings.HasPrefix(id, ".") || strings.Contains(id, ".staged-") || strings.HasSuffix(id, ".old") {
		return "", false
	}
	if len(parts) == 1 {
		return id, true
	}
	switch parts[1] {
	case "build", ".output", "package.json":
		return id, true
	}
	return "", false
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
				w.logger.Warn("watcher: add failed", "dir", path, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("watcher: walk failed", "dir", dir, "error", err)
	}
}

func (w *Watcher) addExtension(fsw *fsnotify.Watcher, dir string) {
	if err := fsw.Add(dir); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("watcher: add failed", "dir", dir, "error", err)
		}
		return
	}
	for _, sub := range watchedSubdirs {
		w.addTree(fsw, filepath.Join(dir, sub))
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create extensions dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("read extensions dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			w.addExtension(fsw, filepath.Join(w.root, ent.Name()))
		}
	}

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		clear(pending)
		select {
		case w.events <- ids:
		default:
			w.logger.Warn("watcher: dropping change batch", "identifiers", ids)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id, relevant := w.identifier(ev.Name)
			if !relevant {
				continue
			}

			// New extension directories and new build subdirectories are
			// watched as they appear.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if filepath.Dir(ev.Name) == filepath.Clean(w.root) {
						w.addExtension(fsw, ev.Name)
					} else {
						w.addTree(fsw, ev.Name)
					}
				}
			}

			pending[id] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-timerC:
			flush()
			timerC = nil
		}
	}
}

// LocalLookup reports whether identifier is a local extension.
type LocalLookup func(ctx context.Context, identifier string) bool

// Scheduler is the restart hook the forwarder calls.
type Scheduler interface {
	Schedule()
}

// Forward schedules a restart for every batch that touches a local
// extension. It returns when the watcher's event channel closes.
func Forward(ctx context.Context, w *Watcher, isLocal LocalLookup, sched Scheduler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for ids := range w.Events() {
		var local []string
		for _, id := range ids {
			if isLocal(ctx, id) {
				local = append(local, id)
			}
		}
		if len(local) == 0 {
			continue
		}
		logger.Info("local extension changed", "identifiers", local)
		sched.Schedule()
	}
}
