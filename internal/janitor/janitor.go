// Package janitor periodically removes stale temporary files left behind by
// interrupted lifecycle operations.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/extensiond/internal/otel"
)

// scheduleParser accepts 5-field expressions and descriptors like "@every 1h".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// HeavyProbe reports whether an install or upgrade is in flight.
type HeavyProbe interface {
	HeavyHeld(ctx context.Context) (bool, error)
}

type Config struct {
	TmpDir string
	// ExtensionsDir is scanned for staged and displaced trees left by an
	// interrupted atomic swap.
	ExtensionsDir string
	Schedule      string
	MaxAge        time.Duration
	Probe         HeavyProbe
	Metrics       *otel.Metrics
	Logger        *slog.Logger
}

type Janitor struct {
	tmpDir        string
	extensionsDir string
	schedule      cronlib.Schedule
	expr          string
	maxAge        time.Duration
	probe         HeavyProbe
	metrics       *otel.Metrics
	logger        *slog.Logger
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	sched, err := scheduleParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		tmpDir:        cfg.TmpDir,
		extensionsDir: cfg.ExtensionsDir,
		schedule:      sched,
		expr:          cfg.Schedule,
		maxAge:        cfg.MaxAge,
		probe:         cfg.Probe,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// NextRun returns the first scheduled sweep after t.
func (j *Janitor) NextRun(t time.Time) time.Time {
	return j.schedule.Next(t)
}

func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "schedule", j.expr, "max_age", j.maxAge)
}

func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()
	for {
		next := j.schedule.Next(j.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor: sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes stale entries once. It does nothing while a heavy
// operation holds its temp files.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.probe != nil {
		held, err := j.probe.HeavyHeld(ctx)
		if err != nil {
			return 0, fmt.Errorf("check heavy lock: %w", err)
		}
		if held {
			j.logger.Info("janitor: heavy operation in progress, skipping sweep")
			return 0, nil
		}
	}
	cutoff := j.now().Add(-j.maxAge)
	var errs []error

	removed, err := j.sweepTmp(cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	n, err := j.sweepSwapLeftovers(cutoff)
	removed += n
	if err != nil {
		errs = append(errs, err)
	}
	if removed > 0 {
		j.logger.Info("janitor: removed stale entries", "count", removed)
		j.metrics.AddJanitorRemoved(ctx, removed)
	}
	return removed, errors.Join(errs...)
}

// sweepTmp removes old files directly under tmp/ and old entries inside
// its subdirectories (downloads, extract, backup).
func (j *Janitor) sweepTmp(cutoff time.Time) (int, error) {
	if j.tmpDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.tmpDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read tmp dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, ent := range entries {
		path := filepath.Join(j.tmpDir, ent.Name())
		if !ent.IsDir() {
			ok, err := j.removeIfOlder(path, cutoff)
			if ok {
				removed++
			}
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		children, err := os.ReadDir(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, child := range children {
			ok, err := j.removeIfOlder(filepath.Join(path, child.Name()), cutoff)
			if ok {
				removed++
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return removed, errors.Join(errs...)
}

func (j *Janitor) sweepSwapLeftovers(cutoff time.Time) (int, error) {
	if j.extensionsDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.extensionsDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read extensions dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, ent := range entries {
		name := ent.Name()
		if !strings.Contains(name, ".staged-") && !strings.HasSuffix(name, ".old") {
			continue
		}
		ok, err := j.removeIfOlder(filepath.Join(j.extensionsDir, name), cutoff)
		if ok {
			removed++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (j *Janitor) removeIfOlder(path string, cutoff time.Time) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.ModTime().Before(cutoff) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
	j.logger.Debug("janitor: removed", "path", path, "modified", info.ModTime())
	return true, nil
}
