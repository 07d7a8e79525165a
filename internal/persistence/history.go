package persistence

import (
	"context"
	"fmt"
	"time"
)

// MigrationRecord ties one applied schema change to an extension.
type MigrationRecord struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Version    string    `json:"version,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
}

// FileRecord is a host-tracked file owned by an extension.
type FileRecord struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordMigration appends a history row through ex, so callers holding
// their own connection or transaction can write it atomically with the
// change itself.
func RecordMigration(ctx context.Context, ex Execer, identifier, name, version string) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO main.migration_history (identifier, name, version) VALUES (?, ?, ?);
	`, identifier, name, version); err != nil {
		return fmt.Errorf("record migration %s for %s: %w", name, identifier, err)
	}
	return nil
}

func (s *Store) RecordMigration(ctx context.Context, identifier, name, version string) error {
	return retryOnBusy(ctx, 5, func() error {
		return RecordMigration(ctx, s.db, identifier, name, version)
	})
}

func (s *Store) ListMigrations(ctx context.Context, identifier string) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identifier, name, version, applied_at
		FROM migration_history WHERE identifier = ? ORDER BY id ASC;
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.ID, &r.Identifier, &r.Name, &r.Version, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMigrationHistory removes every history row for identifier.
func (s *Store) DeleteMigrationHistory(ctx context.Context, identifier string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM migration_history WHERE identifier = ?;`, identifier)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete migration history %s: %w", identifier, err)
	}
	return n, nil
}

// ReplaceFileRecords swaps the tracked file set for identifier in one
// transaction.
func (s *Store) ReplaceFileRecords(ctx context.Context, identifier string, files []FileRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin file records tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM file_records WHERE identifier = ?;`, identifier); err != nil {
			return fmt.Errorf("clear file records: %w", err)
		}
		for _, f := range files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO file_records (identifier, path, size) VALUES (?, ?, ?);
			`, identifier, f.Path, f.Size); err != nil {
				return fmt.Errorf("insert file record %s: %w", f.Path, err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) ListFiles(ctx context.Context, identifier string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identifier, path, size, created_at
		FROM file_records WHERE identifier = ? ORDER BY path ASC;
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var r FileRecord
		if err := rows.Scan(&r.ID, &r.Identifier, &r.Path, &r.Size, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteFileRecords removes every file record owned by identifier.
func (s *Store) DeleteFileRecords(ctx context.Context, identifier string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE identifier = ?;`, identifier)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete file records %s: %w", identifier, err)
	}
	return n, nil
}
