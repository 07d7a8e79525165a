package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/extensiond/internal/bus"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Store struct {
	db   *sql.DB
	path string
	bus  *bus.Bus // may be nil in tests
}

// DSN returns the connection string used for the host database. Other
// short-lived connections to the same file must use it too.
func DSN(path string) string {
	return fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, path: path, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with
// exponential backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, falling back to the
// message for errors that lost their type on the way up.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migration is one step of the host schema ledger. A recorded checksum
// that differs from the build's means the file belongs to another build.
type migration struct {
	version  int
	checksum string
	stmts    []string
	// lenient statements may fail when a crashed run already applied them.
	lenient []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "extd-v1-2026-09-28-extensions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS extensions (
				identifier   TEXT PRIMARY KEY,
				name         TEXT NOT NULL,
				package_name TEXT NOT NULL DEFAULT '',
				version      TEXT NOT NULL,
				status       TEXT NOT NULL DEFAULT 'enabled' CHECK(status IN ('enabled', 'disabled')),
				is_local     INTEGER NOT NULL DEFAULT 0,
				author       TEXT NOT NULL DEFAULT '',
				description  TEXT NOT NULL DEFAULT '',
				installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS migration_history (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				identifier TEXT NOT NULL,
				name       TEXT NOT NULL,
				version    TEXT NOT NULL DEFAULT '',
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS file_records (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				identifier TEXT NOT NULL,
				path       TEXT NOT NULL,
				size       INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(identifier, path)
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				operation_id TEXT NOT NULL DEFAULT '',
				operation    TEXT NOT NULL,
				identifier   TEXT NOT NULL,
				outcome      TEXT NOT NULL,
				detail       TEXT NOT NULL DEFAULT '',
				created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_migration_history_identifier ON migration_history(identifier, id);`,
			`CREATE INDEX IF NOT EXISTS idx_file_records_identifier ON file_records(identifier);`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_identifier ON audit_log(identifier, created_at DESC);`,
		},
	},
	{
		version:  2,
		checksum: "extd-v2-2026-10-06-schema-catalog",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS extension_schemas (
				name       TEXT PRIMARY KEY,
				identifier TEXT NOT NULL,
				path       TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
		lenient: []string{
			`ALTER TABLE extensions ADD COLUMN supported_terminals TEXT NOT NULL DEFAULT '[]'`,
		},
	},
}

func latestMigration() migration { return migrations[len(migrations)-1] }

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	latest := latestMigration()
	if current > latest.version {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, latest.version)
	}

	for _, m := range migrations {
		if m.version == current {
			var recorded string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, current).Scan(&recorded); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if recorded != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", current, recorded, m.checksum)
			}
		}
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v%d: %w", m.version, err)
			}
		}
		for _, stmt := range m.lenient {
			_, _ = tx.ExecContext(ctx, stmt)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema migration v%d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied ledger version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
