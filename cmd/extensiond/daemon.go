package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/extensiond/internal/acquire"
	"github.com/basket/extensiond/internal/audit"
	"github.com/basket/extensiond/internal/bus"
	"github.com/basket/extensiond/internal/config"
	"github.com/basket/extensiond/internal/gateway"
	"github.com/basket/extensiond/internal/installer"
	"github.com/basket/extensiond/internal/janitor"
	"github.com/basket/extensiond/internal/locks"
	"github.com/basket/extensiond/internal/manager"
	"github.com/basket/extensiond/internal/marketplace"
	otelPkg "github.com/basket/extensiond/internal/otel"
	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/registry"
	"github.com/basket/extensiond/internal/restart"
	"github.com/basket/extensiond/internal/schema"
	"github.com/basket/extensiond/internal/seeds"
	"github.com/basket/extensiond/internal/telemetry"
	"github.com/basket/extensiond/internal/watcher"
)

func runDaemon(ctx context.Context, stop context.CancelFunc, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger init failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on a non-loopback bind; the API is unauthenticated", "bind_addr", cfg.BindAddr)
		}
	}

	for _, dir := range []string{cfg.ExtensionsDir(), cfg.TmpDir(), cfg.SchemasDir(), cfg.LocksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatalStartup(logger, "E_HOME_LAYOUT", err)
		}
	}

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = Version
	provider, err := otelPkg.Init(ctx, telemetryCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", store.Path())

	hostname, _ := os.Hostname()
	var lockStore locks.Store
	switch cfg.Locks.Backend {
	case "redis":
		rs, err := locks.NewRedisStore(cfg.Locks.RedisURL, hostname, time.Duration(cfg.Locks.LeaseTTLSeconds)*time.Second)
		if err != nil {
			fatalStartup(logger, "E_LOCK_STORE", err)
		}
		defer rs.Close()
		lockStore = rs
	default:
		fs, err := locks.NewFileStore(cfg.LocksDir())
		if err != nil {
			fatalStartup(logger, "E_LOCK_STORE", err)
		}
		lockStore = fs
	}
	coord := locks.NewCoordinator(lockStore, locks.Options{
		ConfigAttempts: cfg.Locks.ConfigAttempts,
		ConfigDelay:    time.Duration(cfg.Locks.ConfigDelayMS) * time.Millisecond,
		Host:           hostname,
		Bus:            eventBus,
		Logger:         logger,
	})
	swept, err := coord.Sweep(ctx)
	if err != nil {
		fatalStartup(logger, "E_LOCK_SWEEP", err)
	}
	logger.Info("startup phase", "phase", "locks_swept", "backend", cfg.Locks.Backend, "removed", swept)

	if cfg.Marketplace.BaseURL == "" {
		logger.Warn("marketplace.base_url is empty; install and upgrade will fail until it is set")
	}
	marketTimeout := time.Duration(cfg.Marketplace.TimeoutSeconds) * time.Second
	market := marketplace.NewHTTPClient(cfg.Marketplace.BaseURL, cfg.Marketplace.APIKey, marketTimeout)
	acquirer := acquire.New(cfg.TmpDir(), &http.Client{Timeout: marketTimeout}, logger)
	inst := installer.New(installer.Options{
		PreservedPaths: cfg.Upgrade.PreservedPaths,
		BackupDir:      filepath.Join(cfg.TmpDir(), "preserve"),
		AtomicSwap:     cfg.AtomicSwapEnabled(),
		Logger:         logger,
	})
	syncer := schema.New(store, cfg.SchemasDir(), seeds.NewRegistry(logger), metrics, logger)
	reg := registry.New(cfg.RegistryPath(), coord)

	var restarter restart.Restarter
	if len(cfg.Restart.Command) > 0 {
		restarter = restart.CommandRestarter{Argv: cfg.Restart.Command, Timeout: time.Minute}
	} else {
		logger.Warn("restart.command is empty; restarts will be logged and skipped")
	}
	restarts := restart.New(restart.Options{
		Debounce:     time.Duration(cfg.Restart.DebounceMS) * time.Millisecond,
		PollInterval: time.Duration(cfg.Restart.PollIntervalMS) * time.Millisecond,
		MaxWait:      time.Duration(cfg.Restart.MaxWaitSeconds) * time.Second,
		Probe:        coord,
		Restarter:    restarter,
		Bus:          eventBus,
		Metrics:      metrics,
		Logger:       logger,
	})
	restarts.Start(ctx)
	defer restarts.Stop()

	mgr := manager.New(manager.Options{
		Locks:         coord,
		Marketplace:   market,
		Acquirer:      acquirer,
		Installer:     inst,
		Store:         store,
		Registry:      reg,
		Schema:        syncer,
		Restarts:      restarts,
		ExtensionsDir: cfg.ExtensionsDir(),
		Bus:           eventBus,
		Metrics:       metrics,
		Tracer:        provider.Tracer,
		Logger:        logger,
	})
	report, err := mgr.Reconcile(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECONCILE", err)
	}
	logger.Info("startup phase", "phase", "registry_reconciled",
		"restored", len(report.Restored), "dropped", len(report.Dropped))

	w := watcher.New(cfg.ExtensionsDir(), watcher.DefaultDebounce, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("extension watcher disabled", "error", err)
	} else {
		isLocal := func(ctx context.Context, id string) bool {
			ext, err := store.GetExtension(ctx, id)
			return err == nil && ext.IsLocal
		}
		go watcher.Forward(ctx, w, isLocal, restarts, logger)
	}

	jan, err := janitor.New(janitor.Config{
		TmpDir:        cfg.TmpDir(),
		ExtensionsDir: cfg.ExtensionsDir(),
		Schedule:      cfg.Janitor.Schedule,
		MaxAge:        time.Duration(cfg.Janitor.MaxAgeMinutes) * time.Minute,
		Probe:         coord,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_SCHEDULE", err)
	}
	if removed, err := jan.Sweep(ctx); err != nil {
		logger.Warn("initial temp sweep failed", "error", err)
	} else {
		logger.Info("startup phase", "phase", "temp_swept", "removed", removed)
	}
	jan.Start(ctx)
	defer jan.Stop()

	gw := gateway.New(gateway.Config{
		Manager:  mgr,
		Locks:    coord,
		Restarts: restarts,
		Bus:      eventBus,
		Health: func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		},
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Tracer:            provider.Tracer,
		Logger:            logger,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Stop intake first; deferred calls then stop the restart loop, the
	// janitor and the store in reverse order.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "startup", "", audit.OutcomeFailed, reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"extensiond","operation_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portHint(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
	}
	return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
}
