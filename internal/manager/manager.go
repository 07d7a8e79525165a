package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/extensiond/internal/acquire"
	"github.com/basket/extensiond/internal/audit"
	"github.com/basket/extensiond/internal/bus"
	"github.com/basket/extensiond/internal/installer"
	"github.com/basket/extensiond/internal/locks"
	"github.com/basket/extensiond/internal/marketplace"
	"github.com/basket/extensiond/internal/otel"
	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/registry"
	"github.com/basket/extensiond/internal/schema"
	"github.com/basket/extensiond/internal/shared"
	"github.com/basket/extensiond/internal/telemetry"
	"github.com/basket/extensiond/internal/version"
)

// Operation names used for spans, metrics, audit and events.
const (
	OpInstall   = "install"
	OpUpgrade   = "upgrade"
	OpUninstall = "uninstall"
	OpEnable    = "enable"
	OpDisable   = "disable"
	OpCreate    = "create"
)

var successTopics = map[string]string{
	OpInstall:   bus.TopicExtensionInstalled,
	OpUpgrade:   bus.TopicExtensionUpgraded,
	OpUninstall: bus.TopicExtensionUninstalled,
	OpEnable:    bus.TopicExtensionEnabled,
	OpDisable:   bus.TopicExtensionDisabled,
	OpCreate:    bus.TopicExtensionCreated,
}

var validIdentifier = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// RestartScheduler is the part of restart.Scheduler the manager needs.
type RestartScheduler interface {
	Schedule()
}

type Options struct {
	Locks         *locks.Coordinator
	Marketplace   marketplace.Client
	Acquirer      *acquire.Acquirer
	Installer     *installer.Installer
	Store         *persistence.Store
	Registry      *registry.Registry
	Schema        *schema.Synchronizer
	Restarts      RestartScheduler
	ExtensionsDir string
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Manager runs extension lifecycle operations end to end.
type Manager struct {
	locks         *locks.Coordinator
	market        marketplace.Client
	acquirer      *acquire.Acquirer
	installer     *installer.Installer
	store         *persistence.Store
	registry      *registry.Registry
	schema        *schema.Synchronizer
	restarts      RestartScheduler
	extensionsDir string
	bus           *bus.Bus
	metrics       *otel.Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
	now           func() time.Time

	// beforeLock runs between the pre-lock lookup and lock acquisition.
	beforeLock func(op, id string)
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("extensiond")
	}
	return &Manager{
		locks:         opts.Locks,
		market:        opts.Marketplace,
		acquirer:      opts.Acquirer,
		installer:     opts.Installer,
		store:         opts.Store,
		registry:      opts.Registry,
		schema:        opts.Schema,
		restarts:      opts.Restarts,
		extensionsDir: opts.ExtensionsDir,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		logger:        opts.Logger,
		now:           time.Now,
	}
}

// Dir returns the install directory of identifier.
func (m *Manager) Dir(identifier string) string {
	return filepath.Join(m.extensionsDir, identifier)
}

type InstallOptions struct {
	// Version pins the version to install. Empty means the newest.
	Version string
}

type UpgradeOptions struct {
	Version string
	// Force allows reinstalling the same version or moving to an older one.
	Force bool
}

// StepOutcome is the result of one best-effort uninstall step.
type StepOutcome struct {
	Step string `json:"step"`
	Err  string `json:"error,omitempty"`
}

type UninstallReport struct {
	Identifier string        `json:"identifier"`
	Steps      []StepOutcome `json:"steps"`
}

// Failed reports whether any best-effort step failed.
func (r *UninstallReport) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != "" {
			return true
		}
	}
	return false
}

// scope carries the per-operation observability state.
type scope struct {
	m       *Manager
	op      string
	id      string
	version string
	span    trace.Span
	observe func(error)
	logger  *slog.Logger
}

func (m *Manager) begin(ctx context.Context, op, id string) (context.Context, *scope) {
	ctx, opID := shared.EnsureOperationID(ctx)
	ctx, span := otel.StartSpan(ctx, m.tracer, "extension."+op,
		otel.AttrExtensionID.String(id),
		otel.AttrOperation.String(op),
		otel.AttrOperationID.String(opID),
	)
	return ctx, &scope{
		m:       m,
		op:      op,
		id:      id,
		span:    span,
		observe: m.metrics.ObserveOperation(ctx, op),
		logger:  telemetry.ForOperation(ctx, m.logger, "manager").With("op", op, "identifier", id),
	}
}

// end classifies *errp in place and emits the audit record, bus event,
// metrics and span status for the operation.
func (s *scope) end(ctx context.Context, errp *error) {
	defer s.span.End()
	if s.version != "" {
		s.span.SetAttributes(otel.AttrVersion.String(s.version))
	}
	event := bus.LifecycleEvent{
		OperationID: shared.OperationID(ctx),
		Identifier:  s.id,
		Operation:   s.op,
		Version:     s.version,
	}
	if *errp == nil {
		s.observe(nil)
		audit.Record(ctx, s.op, s.id, audit.OutcomeSucceeded, s.version)
		s.m.bus.Publish(successTopics[s.op], event)
		s.logger.Info("operation succeeded", "version", s.version)
		return
	}

	merr := classify(s.op, s.id, *errp)
	*errp = merr
	s.observe(merr)
	s.span.RecordError(merr)
	s.span.SetStatus(codes.Error, merr.Error())
	event.Error = merr.Error()
	s.m.bus.Publish(bus.TopicExtensionFailed, event)

	outcome := audit.OutcomeFailed
	switch merr.Kind {
	case KindConflict:
		outcome = audit.OutcomeConflict
		s.m.metrics.AddConflict(ctx, s.op)
		s.logger.Warn("operation rejected", "kind", merr.Kind, "error", merr)
	case KindInternal:
		s.logger.Error("operation failed", "kind", merr.Kind, "error", merr)
	default:
		s.logger.Warn("operation failed", "kind", merr.Kind, "error", merr)
	}
	audit.Record(ctx, s.op, s.id, outcome, merr.Error())
}

func (m *Manager) release(ctx context.Context, logger *slog.Logger, id string, heavy bool) {
	if err := m.locks.Release(ctx, id, heavy); err != nil {
		logger.Warn("release locks failed", "error", err)
	}
}

func (m *Manager) scheduleRestart() {
	if m.restarts != nil {
		m.restarts.Schedule()
	}
}

func checkIdentifier(op, id string) error {
	if !validIdentifier.MatchString(id) {
		return validationf(op, id, "invalid extension identifier %q", id)
	}
	return nil
}

// resolveVersion returns want when set and otherwise the newest version the
// marketplace lists.
func (m *Manager) resolveVersion(ctx context.Context, op, id, want string) (string, error) {
	if want != "" {
		if !version.Valid(want) {
			return "", validationf(op, id, "invalid version %q", want)
		}
		return want, nil
	}
	infos, err := m.market.GetApplicationVersions(ctx, id)
	if err != nil {
		return "", fmt.Errorf("list versions: %w", err)
	}
	list := make([]string, 0, len(infos))
	for _, info := range infos {
		list = append(list, info.Version)
	}
	v, err := version.Resolve(list)
	if err != nil {
		if errors.Is(err, version.ErrNoVersions) {
			return "", validationf(op, id, "no installable version of %q is published", id)
		}
		return "", err
	}
	return v, nil
}

// Install installs identifier from the marketplace.
func (m *Manager) Install(ctx context.Context, id string, opts InstallOptions) (ext *persistence.Extension, err error) {
	ctx, sc := m.begin(ctx, OpInstall, id)
	defer sc.end(ctx, &err)

	if err := checkIdentifier(OpInstall, id); err != nil {
		return nil, err
	}
	detail, err := m.market.GetApplicationDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch application detail: %w", err)
	}
	if !detail.IsCompatible() {
		msg := fmt.Sprintf("extension %q is not compatible with this host", id)
		if detail.Reason != "" {
			msg += ": " + detail.Reason
		}
		return nil, &Error{Kind: KindValidation, Op: OpInstall, Identifier: id, Message: msg}
	}

	if err := m.locks.Acquire(ctx, id, locks.OpInstall, detail.Name); err != nil {
		return nil, err
	}
	defer m.release(ctx, sc.logger, id, true)
	ctx = context.WithoutCancel(ctx)

	if _, err := m.store.GetExtension(ctx, id); err == nil {
		return nil, validationf(OpInstall, id, "extension %q is already installed", id)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	ver, err := m.resolveVersion(ctx, OpInstall, id, opts.Version)
	if err != nil {
		return nil, err
	}
	sc.version = ver
	dl, err := m.market.DownloadApplication(ctx, id, ver, marketplace.KindInstall)
	if err != nil {
		return nil, fmt.Errorf("request download: %w", err)
	}
	dir := m.Dir(id)
	clearPartial := func() { m.clearPartialInstall(ctx, sc.logger, id, dir) }
	pkg, err := m.acquirer.Prepare(ctx, acquire.Request{
		URL:         dl.URL,
		Identifier:  id,
		Op:          OpInstall,
		Version:     ver,
		Fresh:       true,
		OnCollision: clearPartial,
	}, m.store)
	if err != nil {
		return nil, err
	}
	defer pkg.Cleanup()

	if err := m.installer.Install(ctx, pkg.Root, dir, true); err != nil {
		m.removeDir(sc.logger, dir)
		return nil, err
	}

	rec := recordFrom(id, ver, detail, pkg.Manifest, m.now())
	if err := m.registerBoth(ctx, rec); err != nil {
		m.removeDir(sc.logger, dir)
		return nil, err
	}
	if err := m.synchronize(ctx, sc, id, ver, dir); err != nil {
		m.rollbackInstall(ctx, sc.logger, id, dir)
		return nil, err
	}
	m.indexFiles(ctx, sc.logger, id, dir)
	m.scheduleRestart()
	return &rec, nil
}

// Upgrade replaces the installed build of identifier with a newer version,
// keeping its preserved paths.
func (m *Manager) Upgrade(ctx context.Context, id string, opts UpgradeOptions) (ext *persistence.Extension, err error) {
	ctx, sc := m.begin(ctx, OpUpgrade, id)
	defer sc.end(ctx, &err)

	current, err := m.store.GetExtension(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound(OpUpgrade, id)
	} else if err != nil {
		return nil, err
	}
	if current.IsLocal {
		return nil, validationf(OpUpgrade, id, "extension %q is local and cannot be upgraded from the marketplace", id)
	}

	if m.beforeLock != nil {
		m.beforeLock(OpUpgrade, id)
	}
	if err := m.locks.Acquire(ctx, id, locks.OpUpgrade, current.Name); err != nil {
		return nil, err
	}
	defer m.release(ctx, sc.logger, id, true)
	ctx = context.WithoutCancel(ctx)

	// An uninstall may have finished before the lock was ours.
	current, err = m.store.GetExtension(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound(OpUpgrade, id)
	} else if err != nil {
		return nil, err
	}
	if current.IsLocal {
		return nil, validationf(OpUpgrade, id, "extension %q is local and cannot be upgraded from the marketplace", id)
	}

	ver, err := m.resolveVersion(ctx, OpUpgrade, id, opts.Version)
	if err != nil {
		return nil, err
	}
	sc.version = ver
	if !opts.Force {
		cmp, err := version.Compare(ver, current.Version)
		if err != nil {
			// Unparseable installed versions only block an identical target.
			cmp = 1
			if ver == current.Version {
				cmp = 0
			}
		}
		switch {
		case cmp == 0:
			return nil, validationf(OpUpgrade, id, "extension %q is already at version %s", id, ver)
		case cmp < 0:
			return nil, validationf(OpUpgrade, id, "version %s is older than installed version %s", ver, current.Version)
		}
	}

	dl, err := m.market.DownloadApplication(ctx, id, ver, marketplace.KindUpgrade)
	if err != nil {
		return nil, fmt.Errorf("request download: %w", err)
	}
	pkg, err := m.acquirer.Prepare(ctx, acquire.Request{
		URL:        dl.URL,
		Identifier: id,
		Op:         OpUpgrade,
		Version:    ver,
	}, m.store)
	if err != nil {
		return nil, err
	}
	defer pkg.Cleanup()

	dir := m.Dir(id)
	if err := m.installer.Install(ctx, pkg.Root, dir, false); err != nil {
		return nil, err
	}

	updated := *current
	updated.Version = ver
	if pkg.Manifest.Name != "" {
		updated.PackageName = pkg.Manifest.Name
	}
	if len(pkg.Manifest.SupportedTerminals) > 0 {
		updated.SupportedTerminals = pkg.Manifest.SupportedTerminals
	}
	if pkg.Manifest.Description != "" {
		updated.Description = pkg.Manifest.Description
	}
	updated.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateExtension(ctx, updated); err != nil {
		return nil, err
	}
	err = m.registry.Update(ctx, func(doc registry.Document) error {
		e, ok := doc[id]
		if !ok {
			e = registryEntry(updated)
		}
		e.Manifest.Version = ver
		e.Manifest.Description = updated.Description
		doc[id] = e
		return nil
	})
	if err != nil {
		if rerr := m.store.UpdateExtension(ctx, *current); rerr != nil {
			sc.logger.Warn("restore extension record failed", "error", rerr)
		}
		return nil, fmt.Errorf("update registry: %w", err)
	}

	if err := m.synchronize(ctx, sc, id, ver, dir); err != nil {
		return nil, err
	}
	m.indexFiles(ctx, sc.logger, id, dir)
	m.scheduleRestart()
	return &updated, nil
}

// Uninstall removes identifier. Once the directory, registry entry and
// record are gone the operation succeeds; the remaining cleanup steps are
// best-effort and reported.
func (m *Manager) Uninstall(ctx context.Context, id string) (report *UninstallReport, err error) {
	ctx, sc := m.begin(ctx, OpUninstall, id)
	defer sc.end(ctx, &err)

	if err := m.locks.Acquire(ctx, id, locks.OpUninstall, id); err != nil {
		return nil, err
	}
	defer m.release(ctx, sc.logger, id, false)
	ctx = context.WithoutCancel(ctx)

	rec, err := m.store.GetExtension(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound(OpUninstall, id)
	} else if err != nil {
		return nil, err
	}
	sc.version = rec.Version

	if err := m.installer.Remove(m.Dir(id)); err != nil {
		return nil, err
	}
	if err := m.registry.Remove(ctx, id); err != nil {
		return nil, fmt.Errorf("remove registry entry: %w", err)
	}
	if err := m.store.DeleteExtension(ctx, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	report = &UninstallReport{Identifier: id}
	step := func(name string, fn func() error) {
		out := StepOutcome{Step: name}
		if err := fn(); err != nil {
			out.Err = err.Error()
			sc.logger.Warn("uninstall step failed", "step", name, "error", err)
		}
		report.Steps = append(report.Steps, out)
	}
	step("drop_schema", func() error {
		return m.schema.DropSchema(ctx, schema.SchemaName(id))
	})
	step("delete_migration_history", func() error {
		_, err := m.store.DeleteMigrationHistory(ctx, id)
		return err
	})
	step("delete_file_records", func() error {
		_, err := m.store.DeleteFileRecords(ctx, id)
		return err
	})
	m.scheduleRestart()
	return report, nil
}

func (m *Manager) Enable(ctx context.Context, id string) (*persistence.Extension, error) {
	return m.setEnabled(ctx, id, true)
}

func (m *Manager) Disable(ctx context.Context, id string) (*persistence.Extension, error) {
	return m.setEnabled(ctx, id, false)
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) (ext *persistence.Extension, err error) {
	op, status := OpDisable, persistence.StatusDisabled
	if enabled {
		op, status = OpEnable, persistence.StatusEnabled
	}
	ctx, sc := m.begin(ctx, op, id)
	defer sc.end(ctx, &err)

	rec, err := m.store.GetExtension(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound(op, id)
	} else if err != nil {
		return nil, err
	}
	sc.version = rec.Version
	held, err := m.locks.Held(ctx, id)
	if err != nil {
		return nil, err
	}
	if held != nil {
		return nil, &locks.ConflictError{Identifier: id, Requested: locks.Operation(op), Holder: *held}
	}

	if err := m.registry.SetEnabled(ctx, id, enabled); errors.Is(err, registry.ErrNotFound) {
		if err := m.registry.Put(ctx, registryEntry(*rec)); err != nil {
			return nil, fmt.Errorf("restore registry entry: %w", err)
		}
		if err := m.registry.SetEnabled(ctx, id, enabled); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := m.store.SetExtensionStatus(ctx, id, status); err != nil {
		if rerr := m.registry.SetEnabled(ctx, id, !enabled); rerr != nil {
			sc.logger.Warn("restore registry flag failed", "error", rerr)
		}
		return nil, err
	}
	rec.Status = status
	m.scheduleRestart()
	return rec, nil
}

// CreateLocal scaffolds a local extension from the built-in template.
func (m *Manager) CreateLocal(ctx context.Context, id, name string) (ext *persistence.Extension, err error) {
	ctx, sc := m.begin(ctx, OpCreate, id)
	defer sc.end(ctx, &err)

	if err := checkIdentifier(OpCreate, id); err != nil {
		return nil, err
	}
	if name == "" {
		name = id
	}
	if err := m.locks.Acquire(ctx, id, locks.OpInstall, name); err != nil {
		return nil, err
	}
	defer m.release(ctx, sc.logger, id, true)
	ctx = context.WithoutCancel(ctx)

	if _, err := m.store.GetExtension(ctx, id); err == nil {
		return nil, validationf(OpCreate, id, "extension %q already exists", id)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	dir := m.Dir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, validationf(OpCreate, id, "directory for %q already exists", id)
	}

	tmpl := newTemplate(id, name)
	sc.version = tmpl.Version
	if err := acquire.CheckCollision(ctx, tmpl.PackageName, m.store, nil); err != nil {
		return nil, err
	}
	if err := tmpl.write(dir); err != nil {
		m.removeDir(sc.logger, dir)
		return nil, err
	}
	if err := installer.ValidateLayout(dir); err != nil {
		m.removeDir(sc.logger, dir)
		return nil, err
	}

	now := m.now().UTC()
	rec := persistence.Extension{
		Identifier:  id,
		Name:        name,
		PackageName: tmpl.PackageName,
		Version:     tmpl.Version,
		Status:      persistence.StatusEnabled,
		IsLocal:     true,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := m.registerBoth(ctx, rec); err != nil {
		m.removeDir(sc.logger, dir)
		return nil, err
	}
	if err := m.synchronize(ctx, sc, id, rec.Version, dir); err != nil {
		m.rollbackInstall(ctx, sc.logger, id, dir)
		return nil, err
	}
	m.scheduleRestart()
	return &rec, nil
}

func (m *Manager) List(ctx context.Context) ([]persistence.Extension, error) {
	list, err := m.store.ListExtensions(ctx)
	if err != nil {
		return nil, classify("list", "", err)
	}
	return list, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*persistence.Extension, error) {
	rec, err := m.store.GetExtension(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("get", id)
	} else if err != nil {
		return nil, classify("get", id, err)
	}
	return rec, nil
}

// ReconcileReport lists the registry repairs made by Reconcile.
type ReconcileReport struct {
	Restored []string `json:"restored,omitempty"`
	Dropped  []string `json:"dropped,omitempty"`
}

// Reconcile makes the registry agree with the database, which is treated
// as authoritative: missing entries are rebuilt from records and entries
// without a record are dropped. Run at startup after the lock sweep.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	records, err := m.store.ListExtensions(ctx)
	if err != nil {
		return nil, classify("reconcile", "", err)
	}
	known := make(map[string]persistence.Extension, len(records))
	for _, rec := range records {
		known[rec.Identifier] = rec
	}
	report := &ReconcileReport{}
	err = m.registry.Update(ctx, func(doc registry.Document) error {
		for id, rec := range known {
			if _, ok := doc[id]; !ok {
				doc[id] = registryEntry(rec)
				report.Restored = append(report.Restored, id)
			}
		}
		for _, id := range doc.Identifiers() {
			if _, ok := known[id]; !ok {
				delete(doc, id)
				report.Dropped = append(report.Dropped, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("reconcile", "", err)
	}
	sort.Strings(report.Restored)
	if len(report.Restored) > 0 || len(report.Dropped) > 0 {
		m.logger.Warn("registry reconciled", "restored", report.Restored, "dropped", report.Dropped)
	}
	return report, nil
}

// registerBoth writes the database record and then the registry entry. A
// failed registry write removes the record again.
func (m *Manager) registerBoth(ctx context.Context, rec persistence.Extension) error {
	if err := m.store.CreateExtension(ctx, rec); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return validationf("register", rec.Identifier, "extension %q is already installed", rec.Identifier)
		}
		return err
	}
	if err := m.registry.Put(ctx, registryEntry(rec)); err != nil {
		if derr := m.store.DeleteExtension(ctx, rec.Identifier); derr != nil {
			m.logger.Warn("roll back extension record failed", "identifier", rec.Identifier, "error", derr)
		}
		return fmt.Errorf("write registry entry: %w", err)
	}
	return nil
}

func (m *Manager) synchronize(ctx context.Context, sc *scope, id, ver, dir string) error {
	if _, err := m.schema.EnsureSchema(ctx, id); err != nil {
		return err
	}
	res, err := m.schema.SynchronizeAndSeed(ctx, schema.Target{Identifier: id, Version: ver, Dir: dir})
	if err != nil {
		return err
	}
	sc.logger.Info("schema synchronized",
		"schema", res.Schema,
		"applied", len(res.Applied),
		"version_migrations", res.VersionMigrations,
		"seeded", res.Seeded,
	)
	return nil
}

// rollbackInstall undoes a fresh install whose schema step failed.
func (m *Manager) rollbackInstall(ctx context.Context, logger *slog.Logger, id, dir string) {
	if err := m.registry.Remove(ctx, id); err != nil {
		logger.Warn("rollback: remove registry entry failed", "error", err)
	}
	if err := m.store.DeleteExtension(ctx, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		logger.Warn("rollback: delete record failed", "error", err)
	}
	if err := m.schema.DropSchema(ctx, schema.SchemaName(id)); err != nil {
		logger.Warn("rollback: drop schema failed", "error", err)
	}
	if _, err := m.store.DeleteMigrationHistory(ctx, id); err != nil {
		logger.Warn("rollback: delete migration history failed", "error", err)
	}
	m.removeDir(logger, dir)
}

// clearPartialInstall drops what an interrupted install of id may have
// left behind. Only called when no record exists for id.
func (m *Manager) clearPartialInstall(ctx context.Context, logger *slog.Logger, id, dir string) {
	m.removeDir(logger, dir)
	if err := m.registry.Remove(ctx, id); err != nil {
		logger.Warn("collision cleanup: remove registry entry failed", "error", err)
	}
	if err := m.store.DeleteExtension(ctx, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		logger.Warn("collision cleanup: delete record failed", "error", err)
	}
}

func (m *Manager) removeDir(logger *slog.Logger, dir string) {
	if err := m.installer.Remove(dir); err != nil {
		logger.Warn("remove extension directory failed", "dir", dir, "error", err)
	}
}

func (m *Manager) indexFiles(ctx context.Context, logger *slog.Logger, id, dir string) {
	files, err := installer.StorageFiles(dir)
	if err != nil {
		logger.Warn("index storage files failed", "error", err)
		return
	}
	records := make([]persistence.FileRecord, 0, len(files))
	for _, f := range files {
		records = append(records, persistence.FileRecord{Path: f.Path, Size: f.Size})
	}
	if err := m.store.ReplaceFileRecords(ctx, id, records); err != nil {
		logger.Warn("record storage files failed", "error", err)
	}
}

func recordFrom(id, ver string, detail *marketplace.Detail, mf *acquire.Manifest, now time.Time) persistence.Extension {
	name := mf.DisplayName
	if name == "" {
		name = detail.Name
	}
	if name == "" {
		name = mf.Name
	}
	terminals := mf.SupportedTerminals
	if len(terminals) == 0 {
		terminals = detail.SupportedTerminals
	}
	description := mf.Description
	if description == "" {
		description = detail.Description
	}
	author := string(mf.Author)
	if author == "" {
		author = detail.Author
	}
	now = now.UTC()
	return persistence.Extension{
		Identifier:         id,
		Name:               name,
		PackageName:        mf.Name,
		Version:            ver,
		Status:             persistence.StatusEnabled,
		SupportedTerminals: terminals,
		Author:             author,
		Description:        description,
		InstalledAt:        now,
		UpdatedAt:          now,
	}
}

func registryEntry(rec persistence.Extension) registry.Entry {
	return registry.Entry{
		Manifest: registry.Manifest{
			Identifier:  rec.Identifier,
			Name:        rec.Name,
			Version:     rec.Version,
			Description: rec.Description,
			Author:      rec.Author,
		},
		IsLocal:     rec.IsLocal,
		Enabled:     rec.Status != persistence.StatusDisabled,
		InstalledAt: rec.InstalledAt,
	}
}
