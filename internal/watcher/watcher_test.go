package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkdirs(t *testing.T, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
}

func startWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w := New(root, 50*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return w
}

func TestWatcher_CoalescesBuildChanges(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, "notes", "build"), filepath.Join(root, "notes", "data"))
	w := startWatcher(t, root)

	src := filepath.Join(root, "notes", "build", "index.js")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(src, []byte("v"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ids := <-w.Events():
		if len(ids) != 1 || ids[0] != "notes" {
			t.Fatalf("ids = %v, want [notes]", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change batch")
	}
	select {
	case ids := <-w.Events():
		t.Fatalf("expected a single coalesced batch, got another: %v", ids)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_IgnoresRuntimeData(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, "notes", "build"), filepath.Join(root, "notes", "data"), filepath.Join(root, "notes", "storage"))
	w := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "notes", "data", "state.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes", "storage", "upload.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ids := <-w.Events():
		t.Fatalf("unexpected batch for runtime data: %v", ids)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_WatchesNewExtensions(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	mkdirs(t, filepath.Join(root, "fresh"))
	select {
	case ids := <-w.Events():
		if len(ids) != 1 || ids[0] != "fresh" {
			t.Fatalf("ids = %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for new extension batch")
	}
}

func TestIdentifier(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "home", "extensions")
	w := New(root, 0, testLogger())
	tests := []struct {
		path   string
		id     string
		wanted bool
	}{
		{filepath.Join(root, "blog"), "blog", true},
		{filepath.Join(root, "blog", "build", "index.js"), "blog", true},
		{filepath.Join(root, "blog", ".output", "public", "app.js"), "blog", true},
		{filepath.Join(root, "blog", "package.json"), "blog", true},
		{filepath.Join(root, "blog", "data", "x"), "", false},
		{filepath.Join(root, "blog.staged-123", "build"), "", false},
		{filepath.Join(root, "blog.old"), "", false},
		{filepath.Join(root, ".tmp"), "", false},
		{root, "", false},
		{filepath.Join(string(filepath.Separator), "elsewhere"), "", false},
	}
	for _, tt := range tests {
		id, ok := w.identifier(tt.path)
		if id != tt.id || ok != tt.wanted {
			t.Errorf("identifier(%s) = %q, %v; want %q, %v", tt.path, id, ok, tt.id, tt.wanted)
		}
	}
}

type countingScheduler struct{ n atomic.Int32 }

func (c *countingScheduler) Schedule() { c.n.Add(1) }

func TestForward_OnlyLocalExtensions(t *testing.T) {
	w := New(t.TempDir(), 0, testLogger())
	sched := &countingScheduler{}
	local := map[string]bool{"notes": true}

	w.events <- []string{"blog"}
	w.events <- []string{"blog", "notes"}
	close(w.events)

	Forward(context.Background(), w, func(_ context.Context, id string) bool { return local[id] }, sched, testLogger())
	if got := sched.n.Load(); got != 1 {
		t.Fatalf("schedules = %d, want 1", got)
	}
}
