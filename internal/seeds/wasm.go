package seeds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultWASMTimeout is the wall-clock limit for one seed module run.
const DefaultWASMTimeout = 30 * time.Second

// seedMemoryLimitPages caps a seed module at 10MB (64KB pages).
const seedMemoryLimitPages = 160

// WASMProvider runs build/seed.wasm under WASI. The module prints a seed
// document on stdout; empty output means no units.
type WASMProvider struct {
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
}

func (p *WASMProvider) Units(ctx context.Context) ([]Unit, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultWASMTimeout
	}

	code, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read seed module: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt := wazero.NewRuntimeWithConfig(runCtx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(seedMemoryLimitPages).
		WithCloseOnContextDone(true))
	defer rt.Close(context.WithoutCancel(ctx))

	wasi_snapshot_preview1.MustInstantiate(runCtx, rt)

	compiled, err := rt.CompileModule(runCtx, code)
	if err != nil {
		return nil, fmt.Errorf("compile seed module: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("seed").
		WithArgs("seed").
		WithStdout(&stdout).
		WithStderr(&stderr)

	start := time.Now()
	mod, err := rt.InstantiateModule(runCtx, compiled, cfg)
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("seed module timed out after %s", timeout)
			}
			return nil, fmt.Errorf("run seed module: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
		}
	}
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
	}
	logger.Debug("seed module finished", "path", p.Path, "duration", time.Since(start), "stdout_bytes", stdout.Len())

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	return ParseDocument(out)
}
