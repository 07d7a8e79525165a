package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/extensiond/internal/bus"
)

// Options configures a Coordinator.
type Options struct {
	// ConfigAttempts and ConfigDelay bound the polling for the config lock.
	ConfigAttempts int
	ConfigDelay    time.Duration
	Host           string
	Bus            *bus.Bus
	Logger         *slog.Logger
}

// Coordinator enforces at most one operation per extension and at most one
// heavy operation system-wide.
type Coordinator struct {
	store          Store
	configAttempts int
	configDelay    time.Duration
	host           string
	pid            int
	bus            *bus.Bus
	logger         *slog.Logger
	now            func() time.Time
}

func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.ConfigAttempts <= 0 {
		opts.ConfigAttempts = 50
	}
	if opts.ConfigDelay <= 0 {
		opts.ConfigDelay = 100 * time.Millisecond
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:          store,
		configAttempts: opts.ConfigAttempts,
		configDelay:    opts.ConfigDelay,
		host:           opts.Host,
		pid:            os.Getpid(),
		bus:            opts.Bus,
		logger:         opts.Logger,
		now:            time.Now,
	}
}

func (c *Coordinator) entry(identifier, name string, op Operation) Entry {
	return Entry{
		Identifier: identifier,
		Name:       name,
		Operation:  op,
		Timestamp:  c.now().UnixMilli(),
		PID:        c.pid,
		Host:       c.host,
	}
}

// Acquire takes the extension lock for identifier and, for install and
// upgrade, the heavy lock. displayName is recorded so that conflicting
// requests can name the extension being worked on.
func (c *Coordinator) Acquire(ctx context.Context, identifier string, op Operation, displayName string) error {
	if identifier == "" {
		return fmt.Errorf("acquire lock: identifier is required")
	}
	if !op.Valid() {
		return fmt.Errorf("acquire lock: unknown operation %q", op)
	}
	extKey := ExtensionKey(identifier)

	held, err := c.store.Get(ctx, extKey)
	if err != nil {
		return fmt.Errorf("check extension lock: %w", err)
	}
	if held != nil {
		return c.conflict(&ConflictError{Identifier: identifier, Requested: op, Holder: *held})
	}
	if op.Heavy() {
		heavy, err := c.store.Get(ctx, HeavyKey)
		if err != nil {
			return fmt.Errorf("check heavy lock: %w", err)
		}
		if heavy != nil {
			if heavy.Identifier != identifier {
				return c.conflict(&ConflictError{Identifier: identifier, Requested: op, Holder: *heavy, Heavy: true})
			}
			// The extension lock is free, so a heavy lock naming the same
			// identifier was orphaned by a release that failed half way.
			c.logger.Warn("removing orphaned heavy lock", "identifier", identifier)
			if err := c.store.Delete(ctx, HeavyKey); err != nil {
				return fmt.Errorf("remove orphaned heavy lock: %w", err)
			}
		}
	}

	e := c.entry(identifier, displayName, op)
	ok, err := c.store.Create(ctx, extKey, e)
	if err != nil {
		return fmt.Errorf("write extension lock: %w", err)
	}
	if !ok {
		return c.conflict(c.raced(ctx, extKey, identifier, op, false))
	}
	if !op.Heavy() {
		return nil
	}

	ok, err = c.store.Create(ctx, HeavyKey, e)
	if err != nil || !ok {
		if derr := c.store.Delete(ctx, extKey); derr != nil {
			c.logger.Warn("roll back extension lock failed", "identifier", identifier, "error", derr)
		}
		if err != nil {
			return fmt.Errorf("write heavy lock: %w", err)
		}
		return c.conflict(c.raced(ctx, HeavyKey, identifier, op, true))
	}
	return nil
}

// raced builds the conflict for a create that lost a race to another writer.
func (c *Coordinator) raced(ctx context.Context, key, identifier string, op Operation, heavy bool) *ConflictError {
	ce := &ConflictError{Identifier: identifier, Requested: op, Heavy: heavy}
	if holder, err := c.store.Get(ctx, key); err == nil && holder != nil {
		ce.Holder = *holder
	} else {
		ce.Holder = Entry{Identifier: identifier, Operation: op}
	}
	return ce
}

func (c *Coordinator) conflict(ce *ConflictError) error {
	c.logger.Info("lock conflict",
		"identifier", ce.Identifier,
		"requested", string(ce.Requested),
		"held_by", ce.Holder.Identifier,
		"held_op", string(ce.Holder.Operation),
		"heavy", ce.Heavy,
	)
	c.bus.Publish(bus.TopicLockConflict, bus.LockConflictEvent{
		Identifier: ce.Identifier,
		Requested:  string(ce.Requested),
		HeldBy:     ce.Holder.Identifier,
		HeldOp:     string(ce.Holder.Operation),
	})
	return ce
}

// Release drops the extension lock and, when wasHeavy, the heavy lock if it
// still belongs to identifier. Both deletions are attempted.
func (c *Coordinator) Release(ctx context.Context, identifier string, wasHeavy bool) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := c.store.Delete(ctx, ExtensionKey(identifier)); err != nil {
		errs = append(errs, err)
	}
	if wasHeavy {
		heavy, err := c.store.Get(ctx, HeavyKey)
		switch {
		case err != nil:
			errs = append(errs, err)
		case heavy != nil && heavy.Identifier == identifier:
			if err := c.store.Delete(ctx, HeavyKey); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release locks for %s: %w", identifier, err)
	}
	return nil
}

// AcquireConfigLock polls for the config lock, giving up with a
// ConflictError after the configured number of attempts.
func (c *Coordinator) AcquireConfigLock(ctx context.Context) error {
	e := c.entry(ConfigKey, "", OpConfig)
	for attempt := 0; attempt < c.configAttempts; attempt++ {
		ok, err := c.store.Create(ctx, ConfigKey, e)
		if err != nil {
			return fmt.Errorf("write config lock: %w", err)
		}
		if ok {
			return nil
		}
		if attempt == c.configAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.configDelay):
		}
	}
	ce := &ConflictError{Identifier: ConfigKey, Requested: OpConfig, Config: true}
	if holder, err := c.store.Get(ctx, ConfigKey); err == nil && holder != nil {
		ce.Holder = *holder
	}
	return c.conflict(ce)
}

func (c *Coordinator) ReleaseConfigLock(ctx context.Context) error {
	return c.store.Delete(context.WithoutCancel(ctx), ConfigKey)
}

// WithConfigLock runs fn while holding the config lock.
func (c *Coordinator) WithConfigLock(ctx context.Context, fn func() error) (err error) {
	if err := c.AcquireConfigLock(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := c.ReleaseConfigLock(ctx); rerr != nil {
			c.logger.Warn("release config lock failed", "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn()
}

// HeavyHeld reports whether an install or upgrade is in flight.
func (c *Coordinator) HeavyHeld(ctx context.Context) (bool, error) {
	e, err := c.store.Get(ctx, HeavyKey)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// Held returns the lock entry for identifier, or nil when it is free.
func (c *Coordinator) Held(ctx context.Context, identifier string) (*Entry, error) {
	return c.store.Get(ctx, ExtensionKey(identifier))
}

func (c *Coordinator) List(ctx context.Context) (map[string]Entry, error) {
	return c.store.List(ctx)
}

// Sweep clears locks orphaned by a crash. Call once at startup before
// serving requests.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.Sweep(ctx)
	if n > 0 {
		c.logger.Warn("removed stale locks from previous run", "count", n)
		c.bus.Publish(bus.TopicLockSwept, n)
	}
	if err != nil {
		return n, fmt.Errorf("sweep locks: %w", err)
	}
	return n, nil
}
