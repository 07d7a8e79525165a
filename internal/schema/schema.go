// Package schema keeps each extension's attached database in step with the
// entities it declares, runs its version-scoped migrations and seeds it
// exactly once.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/basket/extensiond/internal/otel"
	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/seeds"
)

// AttachAlias is the name an extension schema is attached under.
const AttachAlias = "ext"

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]`)

// SchemaName derives the schema name of an extension identifier.
func SchemaName(identifier string) string {
	return "ext_" + unsafeIdent.ReplaceAllString(strings.ToLower(identifier), "_")
}

// Target is one extension to synchronize.
type Target struct {
	Identifier string
	Version    string
	Dir        string
}

// SyncResult summarizes what SynchronizeAndSeed changed.
type SyncResult struct {
	Schema            string   `json:"schema"`
	Applied           []string `json:"applied,omitempty"`
	VersionMigrations int      `json:"version_migrations"`
	Seeded            bool     `json:"seeded"`
	SeedUnits         int      `json:"seed_units"`
}

type Synchronizer struct {
	store      *persistence.Store
	schemasDir string
	seeds      *seeds.Registry
	metrics    *otel.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func New(store *persistence.Store, schemasDir string, registry *seeds.Registry, metrics *otel.Metrics, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = seeds.NewRegistry(logger)
	}
	return &Synchronizer{
		store:      store,
		schemasDir: schemasDir,
		seeds:      registry,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Synchronizer) schemaPath(name string) string {
	return filepath.Join(s.schemasDir, name+".db")
}

// EnsureSchema creates the extension's schema database and catalog row
// when absent and returns the schema name. Safe to call repeatedly.
func (s *Synchronizer) EnsureSchema(ctx context.Context, identifier string) (string, error) {
	name := SchemaName(identifier)
	ok, err := s.store.SchemaExists(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return name, nil
	}
	if err := os.MkdirAll(s.schemasDir, 0o755); err != nil {
		return "", fmt.Errorf("create schemas dir: %w", err)
	}
	path := s.schemaPath(name)
	// SQLite treats a zero-length file as an empty database.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("create schema %s: %w", name, err)
	}
	_ = f.Close()
	if err := s.store.RegisterSchema(ctx, name, identifier, path); err != nil {
		return "", err
	}
	s.logger.Info("schema created", "identifier", identifier, "schema", name)
	return name, nil
}

// DropSchema removes the schema database and its catalog row. Dropping a
// schema that does not exist is not an error.
func (s *Synchronizer) DropSchema(ctx context.Context, name string) error {
	path := s.schemaPath(name)
	if rec, err := s.store.LookupSchema(ctx, name); err == nil {
		path = rec.Path
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := removeIfExists(p); err != nil {
			return fmt.Errorf("remove schema file: %w", err)
		}
	}
	return s.store.UnregisterSchema(ctx, name)
}

// SynchronizeAndSeed reconciles declared entities, runs version-scoped
// migrations once per version and seeds once per install. Entity DDL runs
// on a host connection with the schema attached; package SQL runs in a
// sandbox that only sees the schema.
func (s *Synchronizer) SynchronizeAndSeed(ctx context.Context, t Target) (*SyncResult, error) {
	name := SchemaName(t.Identifier)
	rec, err := s.store.LookupSchema(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("synchronize %s: %w", t.Identifier, err)
	}
	buildDir := filepath.Join(t.Dir, "build")
	result := &SyncResult{Schema: name}

	db, err := sql.Open("sqlite3", persistence.DSN(s.store.Path()))
	if err != nil {
		return nil, fmt.Errorf("open sync connection: %w", err)
	}
	defer db.Close()
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sync connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS `+AttachAlias, rec.Path); err != nil {
		return nil, fmt.Errorf("attach schema %s: %w", name, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE `+AttachAlias); err != nil {
			s.logger.Warn("detach schema failed", "schema", name, "error", err)
		}
	}()

	entities, err := LoadEntities(buildDir)
	if err != nil {
		return nil, err
	}
	host, err := persistence.HostTables(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := checkEntityNames(entities, host); err != nil {
		return nil, fmt.Errorf("entity definitions: %w", err)
	}
	if err := checkReferences(entities, host); err != nil {
		return nil, fmt.Errorf("entity definitions: %w", err)
	}

	applied, err := s.reconcile(ctx, conn, t, entities)
	if err != nil {
		return nil, err
	}
	result.Applied = applied

	// Migrations and seeds are package-supplied SQL and never see the host
	// database.
	sb, err := openSandbox(ctx, rec.Path)
	if err != nil {
		return nil, fmt.Errorf("open sandbox for %s: %w", name, err)
	}
	defer sb.Close()

	if t.Version != "" && !exists(VersionMarkerPath(t.Dir, t.Version)) {
		n, err := s.runVersionMigrations(ctx, sb.conn, t, buildDir)
		if err != nil {
			return nil, err
		}
		result.VersionMigrations = n
	}

	if HasInstallMarker(t.Dir) {
		s.logger.Debug("seed skipped, install marker present", "identifier", t.Identifier)
	} else {
		n, err := s.seed(ctx, sb.conn, t.Identifier, buildDir)
		if err != nil {
			return nil, err
		}
		if err := writeMarker(InstallMarkerPath(t.Dir), s.now()); err != nil {
			return nil, err
		}
		result.Seeded = true
		result.SeedUnits = n
	}

	if t.Version != "" && !exists(VersionMarkerPath(t.Dir, t.Version)) {
		if err := writeMarker(VersionMarkerPath(t.Dir, t.Version), s.now()); err != nil {
			return nil, err
		}
	}

	s.logger.Info("schema synchronized",
		"identifier", t.Identifier,
		"schema", name,
		"applied", len(result.Applied),
		"version_migrations", result.VersionMigrations,
		"seeded", result.Seeded,
	)
	return result, nil
}

func (s *Synchronizer) reconcile(ctx context.Context, conn *sql.Conn, t Target, entities []Entity) ([]string, error) {
	existing, err := attachedColumns(ctx, conn)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, e := range entities {
		cols, ok := existing[strings.ToLower(e.Name)]
		if !ok {
			defs := make([]string, 0, len(e.Columns))
			for _, c := range e.Columns {
				defs = append(defs, columnDDL(c))
			}
			stmt := fmt.Sprintf("CREATE TABLE %s.%s (%s)", AttachAlias, quoteIdent(e.Name), strings.Join(defs, ", "))
			change := "create_table:" + e.Name
			if err := s.applyChange(ctx, conn, t, change, stmt); err != nil {
				return applied, err
			}
			applied = append(applied, change)
			continue
		}
		for _, c := range e.Columns {
			if cols[strings.ToLower(c.Name)] {
				continue
			}
			if c.PrimaryKey {
				return applied, fmt.Errorf("entity %s: cannot add primary key column %s to an existing table", e.Name, c.Name)
			}
			if c.NotNull {
				s.logger.Warn("added column relaxed to nullable", "identifier", t.Identifier, "entity", e.Name, "column", c.Name)
				c.NotNull = false
			}
			stmt := fmt.Sprintf("ALTER TABLE %s.%s ADD COLUMN %s", AttachAlias, quoteIdent(e.Name), columnDDL(c))
			change := "add_column:" + e.Name + "." + c.Name
			if err := s.applyChange(ctx, conn, t, change, stmt); err != nil {
				return applied, err
			}
			applied = append(applied, change)
		}
	}
	return applied, nil
}

// applyChange runs stmt and its history row in one transaction.
func (s *Synchronizer) applyChange(ctx context.Context, conn *sql.Conn, t Target, change, stmt string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", change, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("apply %s: %w", change, err)
	}
	if err := persistence.RecordMigration(ctx, tx, t.Identifier, change, t.Version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", change, err)
	}
	s.logger.Debug("schema change applied", "identifier", t.Identifier, "change", change)
	return nil
}

func attachedColumns(ctx context.Context, conn *sql.Conn) (map[string]map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name FROM `+AttachAlias+`.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list schema tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schema table: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]map[string]bool, len(tables))
	for _, table := range tables {
		cols := make(map[string]bool)
		crow, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.table_info(%s)", AttachAlias, quoteIdent(table)))
		if err != nil {
			return nil, fmt.Errorf("table info %s: %w", table, err)
		}
		for crow.Next() {
			var (
				cid       int
				name, typ string
				notNull   int
				dflt      sql.NullString
				pk        int
			)
			if err := crow.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
				crow.Close()
				return nil, fmt.Errorf("scan table info %s: %w", table, err)
			}
			cols[strings.ToLower(name)] = true
		}
		crow.Close()
		out[strings.ToLower(table)] = cols
	}
	return out, nil
}

func (s *Synchronizer) runVersionMigrations(ctx context.Context, conn *sql.Conn, t Target, buildDir string) (int, error) {
	dir := filepath.Join(buildDir, "migrations", versionSegment(t.Version))
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("list version migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		body, err := os.ReadFile(f)
		if err != nil {
			return 0, fmt.Errorf("read migration %s: %w", filepath.Base(f), err)
		}
		change := "migration:" + t.Version + "/" + filepath.Base(f)
		if err := execInTx(ctx, conn, change, string(body)); err != nil {
			return 0, err
		}
		if err := s.store.RecordMigration(ctx, t.Identifier, change, t.Version); err != nil {
			return 0, err
		}
		s.logger.Debug("version migration applied", "identifier", t.Identifier, "change", change)
	}
	return len(files), nil
}

func execInTx(ctx context.Context, conn *sql.Conn, change, stmt string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", change, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("apply %s: %w", change, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", change, err)
	}
	return nil
}

func (s *Synchronizer) seed(ctx context.Context, conn *sql.Conn, identifier, buildDir string) (int, error) {
	provider, err := s.seeds.Resolve(identifier, buildDir)
	if err != nil {
		return 0, fmt.Errorf("resolve seeds: %w", err)
	}
	if provider == nil {
		s.logger.Debug("no seed entry point", "identifier", identifier)
		return 0, nil
	}
	units, err := provider.Units(ctx)
	if err != nil {
		return 0, fmt.Errorf("load seeds: %w", err)
	}
	n, err := seeds.Run(ctx, conn, units)
	s.metrics.AddSeedUnits(ctx, identifier, n)
	if err != nil {
		return n, err
	}
	s.logger.Info("seeds applied", "identifier", identifier, "units", n)
	return n, nil
}
