// Package seeds resolves and runs an extension's seed entry point: the
// ordered units that populate its schema on first install.
package seeds

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	WASMEntryPoint = "seed.wasm"
	JSONEntryPoint = "seeds.json"
)

// Unit is one named, independently transactional seed step.
type Unit interface {
	Name() string
	Run(ctx context.Context, tx *sql.Tx) error
}

// Provider yields the ordered seed units of one extension.
type Provider interface {
	Units(ctx context.Context) ([]Unit, error)
}

type funcUnit struct {
	name string
	fn   func(ctx context.Context, tx *sql.Tx) error
}

func (u funcUnit) Name() string                              { return u.name }
func (u funcUnit) Run(ctx context.Context, tx *sql.Tx) error { return u.fn(ctx, tx) }

// NewUnit wraps fn as a Unit.
func NewUnit(name string, fn func(ctx context.Context, tx *sql.Tx) error) Unit {
	return funcUnit{name: name, fn: fn}
}

// StaticProvider returns a fixed list of units.
type StaticProvider []Unit

func (p StaticProvider) Units(context.Context) ([]Unit, error) { return p, nil }

// Registry maps extension identifiers to in-process providers and falls
// back to the entry points shipped in an extension's build directory.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	wasmTimeout time.Duration
	logger      *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers:   make(map[string]Provider),
		wasmTimeout: DefaultWASMTimeout,
		logger:      logger,
	}
}

// Register installs an in-process provider for identifier. It takes
// precedence over anything shipped in the package.
func (r *Registry) Register(identifier string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p == nil {
		delete(r.providers, identifier)
		return
	}
	r.providers[identifier] = p
}

// Resolve picks the provider for identifier: registered, then
// build/seed.wasm, then build/seeds.json. A nil provider with a nil error
// means the extension ships no seed entry point.
func (r *Registry) Resolve(identifier, buildDir string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[identifier]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	wasmPath := filepath.Join(buildDir, WASMEntryPoint)
	if info, err := os.Stat(wasmPath); err == nil && info.Mode().IsRegular() {
		r.logger.Debug("seed entry point resolved", "identifier", identifier, "kind", "wasm")
		return &WASMProvider{Path: wasmPath, Timeout: r.wasmTimeout, Logger: r.logger}, nil
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat seed module: %w", err)
	}

	jsonPath := filepath.Join(buildDir, JSONEntryPoint)
	if info, err := os.Stat(jsonPath); err == nil && info.Mode().IsRegular() {
		r.logger.Debug("seed entry point resolved", "identifier", identifier, "kind", "json")
		return &JSONProvider{Path: jsonPath}, nil
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat seed document: %w", err)
	}
	return nil, nil
}

// Run executes every unit in order, each in its own transaction, and
// returns how many units committed. It stops at the first failure.
func Run(ctx context.Context, db interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}, units []Unit) (int, error) {
	for i, u := range units {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return i, fmt.Errorf("begin seed unit %s: %w", u.Name(), err)
		}
		if err := u.Run(ctx, tx); err != nil {
			_ = tx.Rollback()
			return i, fmt.Errorf("seed unit %s: %w", u.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return i, fmt.Errorf("commit seed unit %s: %w", u.Name(), err)
		}
	}
	return len(units), nil
}
