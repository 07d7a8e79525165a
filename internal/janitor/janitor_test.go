package janitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProbe struct{ held bool }

func (f *fakeProbe) HeavyHeld(context.Context) (bool, error) { return f.held, nil }

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweep_RemovesOnlyStaleEntries(t *testing.T) {
	home := t.TempDir()
	tmp := filepath.Join(home, "tmp")
	exts := filepath.Join(home, "extensions")

	oldArchive := filepath.Join(tmp, "downloads", "blog_1_0_0_install.zip")
	newArchive := filepath.Join(tmp, "downloads", "shop_2_0_0_install.zip")
	oldLoose := filepath.Join(tmp, "stray.part")
	oldStaged := filepath.Join(exts, "blog.staged-123")
	liveExt := filepath.Join(exts, "blog", "package.json")
	touch(t, oldArchive, 3*time.Hour)
	touch(t, newArchive, time.Minute)
	touch(t, oldLoose, 3*time.Hour)
	if err := os.MkdirAll(oldStaged, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(oldStaged, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	touch(t, liveExt, 3*time.Hour)
	if err := os.Chtimes(filepath.Dir(liveExt), stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	j, err := New(Config{TmpDir: tmp, ExtensionsDir: exts, MaxAge: time.Hour, Logger: testLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
	if exists(oldArchive) || exists(oldLoose) || exists(oldStaged) {
		t.Fatal("expected stale entries removed")
	}
	if !exists(newArchive) || !exists(liveExt) {
		t.Fatal("expected fresh archive and live extension kept")
	}
}

func TestSweep_SkippedWhileHeavyHeld(t *testing.T) {
	tmp := t.TempDir()
	old := filepath.Join(tmp, "extract", "install-1", "package.json")
	touch(t, old, 3*time.Hour)
	if err := os.Chtimes(filepath.Dir(old), time.Now().Add(-3*time.Hour), time.Now().Add(-3*time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	probe := &fakeProbe{held: true}
	j, err := New(Config{TmpDir: tmp, MaxAge: time.Hour, Probe: probe, Logger: testLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n, err := j.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("sweep while held = %d, %v", n, err)
	}
	if !exists(old) {
		t.Fatal("expected files kept while heavy lock held")
	}

	probe.held = false
	if n, err := j.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("sweep after release = %d, %v", n, err)
	}
}

func TestSweep_MissingDirs(t *testing.T) {
	home := t.TempDir()
	j, err := New(Config{TmpDir: filepath.Join(home, "nope"), ExtensionsDir: filepath.Join(home, "none"), Logger: testLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n, err := j.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
}

func TestNew_Schedules(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"@every 1h", base.Add(time.Hour)},
		{"0 * * * *", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		j, err := New(Config{Schedule: tt.expr, Logger: testLogger()})
		if err != nil {
			t.Fatalf("new %q: %v", tt.expr, err)
		}
		if got := j.NextRun(base); !got.Equal(tt.want) {
			t.Errorf("NextRun(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
	if _, err := New(Config{Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStartStop(t *testing.T) {
	j, err := New(Config{TmpDir: t.TempDir(), Schedule: "@every 1h", Logger: testLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	j.Start(context.Background())
	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}
