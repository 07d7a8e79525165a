package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SchemaRecord is a catalog row for an extension's attached database.
type SchemaRecord struct {
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
}

// Column describes one column of a host table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table describes a host table and its columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

func (s *Store) SchemaExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM extension_schemas WHERE name = ?;`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("query schema catalog: %w", err)
	}
	return n > 0, nil
}

// RegisterSchema adds a catalog row. Registering an existing name is a no-op.
func (s *Store) RegisterSchema(ctx context.Context, name, identifier, path string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO extension_schemas (name, identifier, path) VALUES (?, ?, ?)
			ON CONFLICT(name) DO NOTHING;
		`, name, identifier, path)
		if err != nil {
			return fmt.Errorf("register schema %s: %w", name, err)
		}
		return nil
	})
}

func (s *Store) LookupSchema(ctx context.Context, name string) (*SchemaRecord, error) {
	var r SchemaRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT name, identifier, path, created_at FROM extension_schemas WHERE name = ?;
	`, name).Scan(&r.Name, &r.Identifier, &r.Path, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schema %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("lookup schema %s: %w", name, err)
	}
	return &r, nil
}

func (s *Store) UnregisterSchema(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM extension_schemas WHERE name = ?;`, name); err != nil {
			return fmt.Errorf("unregister schema %s: %w", name, err)
		}
		return nil
	})
}

// HostTables lists the host's own tables and their columns, skipping
// SQLite internals.
func HostTables(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}) ([]Table, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT m.name, p.name, p.type
		FROM main.sqlite_master AS m
		JOIN pragma_table_info(m.name) AS p
		WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		ORDER BY m.name, p.cid;
	`)
	if err != nil {
		return nil, fmt.Errorf("list host tables: %w", err)
	}
	defer rows.Close()

	var out []Table
	for rows.Next() {
		var table string
		var col Column
		if err := rows.Scan(&table, &col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scan host table: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Name != table {
			out = append(out, Table{Name: table})
		}
		out[len(out)-1].Columns = append(out[len(out)-1].Columns, col)
	}
	return out, rows.Err()
}
