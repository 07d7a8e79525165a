// Package restart debounces host restart requests and defers the restart
// until no install or upgrade is in flight.
package restart

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/extensiond/internal/bus"
	"github.com/basket/extensiond/internal/otel"
)

type State int32

const (
	Idle State = iota
	Scheduled
	WaitingForHeavyOps
	Restarting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case WaitingForHeavyOps:
		return "waiting_for_heavy_ops"
	case Restarting:
		return "restarting"
	}
	return "unknown"
}

// HeavyProbe reports whether a heavy operation holds its lock.
type HeavyProbe interface {
	HeavyHeld(ctx context.Context) (bool, error)
}

// Result is what the process-restart capability reports.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Restarter restarts the host process.
type Restarter interface {
	Restart(ctx context.Context) (Result, error)
}

type Options struct {
	Debounce     time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	Probe        HeavyProbe
	// Restarter may be nil, in which case restarts are logged and skipped.
	Restarter Restarter
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Logger    *slog.Logger
}

// Status is a point-in-time view for the API.
type Status struct {
	State       string    `json:"state"`
	Pending     int64     `json:"pending_requests"`
	Restarts    int64     `json:"restarts"`
	LastRestart time.Time `json:"last_restart,omitempty"`
	LastResult  *Result   `json:"last_result,omitempty"`
}

// Scheduler owns the debounce timer. Schedule only signals the run loop;
// all timer and state handling happens on the loop goroutine.
type Scheduler struct {
	debounce     time.Duration
	pollInterval time.Duration
	maxWait      time.Duration
	probe        HeavyProbe
	restarter    Restarter
	bus          *bus.Bus
	metrics      *otel.Metrics
	logger       *slog.Logger

	requests chan struct{}
	state    atomic.Int32
	pending  atomic.Int64
	restarts atomic.Int64

	mu          sync.Mutex
	lastRestart time.Time
	lastResult  *Result

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = 3 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		debounce:     opts.Debounce,
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		probe:        opts.Probe,
		restarter:    opts.Restarter,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		requests:     make(chan struct{}, 1),
	}
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("restart scheduler started", "debounce", s.debounce, "max_wait", s.maxWait)
}

// Stop cancels the loop and waits for it to exit. A pending restart is
// dropped.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Schedule requests a restart. It never blocks; bursts coalesce into one
// restart.
func (s *Scheduler) Schedule() {
	s.pending.Add(1)
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:       s.State().String(),
		Pending:     s.pending.Load(),
		Restarts:    s.restarts.Load(),
		LastRestart: s.lastRestart,
		LastResult:  s.lastResult,
	}
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.setState(Idle)
			return
		case <-s.requests:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			timerC = timer.C
			s.setState(Scheduled)
			s.logger.Debug("restart scheduled", "debounce", s.debounce, "pending", s.pending.Load())
			s.bus.Publish(bus.TopicRestartScheduled, bus.RestartEvent{Requests: int(s.pending.Load())})
		case <-timerC:
			timerC = nil
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.setState(WaitingForHeavyOps)
	waited, timedOut, ok := s.waitForHeavyOps(ctx)
	if !ok {
		return
	}
	if timedOut {
		s.logger.Warn("heavy operation still in progress after max wait, restarting anyway", "waited", waited)
	}

	// Requests that arrived while waiting are served by this restart.
	select {
	case <-s.requests:
	default:
	}
	s.setState(Restarting)
	requests := s.pending.Swap(0)

	res := Result{Success: true, Message: "no restart capability configured"}
	if s.restarter == nil {
		s.logger.Info("restart requested but no restarter configured", "requests", requests)
	} else {
		var err error
		res, err = s.restarter.Restart(ctx)
		if err != nil {
			res.Success = false
			if res.Message == "" {
				res.Message = err.Error()
			}
			s.logger.Error("restart failed", "error", err, "requests", requests)
		} else {
			s.logger.Info("host restarted", "requests", requests, "waited", waited, "message", res.Message)
		}
	}

	s.restarts.Add(1)
	s.mu.Lock()
	s.lastRestart = time.Now()
	s.lastResult = &res
	s.mu.Unlock()
	s.metrics.AddRestart(ctx, res.Success, timedOut)
	s.bus.Publish(bus.TopicRestartExecuted, bus.RestartEvent{
		Requests: int(requests),
		Waited:   waited.String(),
		Success:  res.Success,
		Message:  res.Message,
		TimedOut: timedOut,
	})
	s.setState(Idle)
}

// waitForHeavyOps polls the probe until no heavy lock is held or maxWait
// elapses. ok is false when ctx ended first.
func (s *Scheduler) waitForHeavyOps(ctx context.Context) (waited time.Duration, timedOut, ok bool) {
	if s.probe == nil {
		return 0, false, true
	}
	start := time.Now()
	for {
		held, err := s.probe.HeavyHeld(ctx)
		if err != nil {
			s.logger.Warn("heavy lock probe failed", "error", err)
			held = true
		}
		waited = time.Since(start)
		if !held {
			return waited, false, true
		}
		if waited >= s.maxWait {
			return waited, true, true
		}
		select {
		case <-ctx.Done():
			return waited, false, false
		case <-time.After(s.pollInterval):
		}
	}
}
