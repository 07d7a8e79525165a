package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/extensiond/internal/bus"
)

type ExtensionStatus string

const (
	StatusEnabled  ExtensionStatus = "enabled"
	StatusDisabled ExtensionStatus = "disabled"
)

// Extension is the database record of an installed extension.
type Extension struct {
	Identifier         string          `json:"identifier"`
	Name               string          `json:"name"`
	PackageName        string          `json:"package_name"`
	Version            string          `json:"version"`
	Status             ExtensionStatus `json:"status"`
	IsLocal            bool            `json:"is_local"`
	SupportedTerminals []string        `json:"supported_terminals"`
	Author             string          `json:"author,omitempty"`
	Description        string          `json:"description,omitempty"`
	InstalledAt        time.Time       `json:"installed_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

const extensionColumns = `identifier, name, package_name, version, status, is_local,
	supported_terminals, author, description, installed_at, updated_at`

func scanExtension(scanFn func(dest ...any) error) (*Extension, error) {
	var (
		e         Extension
		status    string
		isLocal   int
		terminals string
	)
	if err := scanFn(&e.Identifier, &e.Name, &e.PackageName, &e.Version, &status, &isLocal,
		&terminals, &e.Author, &e.Description, &e.InstalledAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = ExtensionStatus(status)
	e.IsLocal = isLocal != 0
	if terminals != "" {
		if err := json.Unmarshal([]byte(terminals), &e.SupportedTerminals); err != nil {
			return nil, fmt.Errorf("decode supported_terminals for %s: %w", e.Identifier, err)
		}
	}
	return &e, nil
}

func encodeTerminals(t []string) string {
	if len(t) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(t)
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) publish(identifier, change string) {
	s.bus.Publish(bus.TopicExtensionRecordChanged, bus.RecordChangedEvent{Identifier: identifier, Change: change})
}

// CreateExtension inserts a new record. ErrAlreadyExists when the
// identifier is taken.
func (s *Store) CreateExtension(ctx context.Context, e Extension) error {
	if strings.TrimSpace(e.Identifier) == "" {
		return fmt.Errorf("create extension: empty identifier")
	}
	if e.Status == "" {
		e.Status = StatusEnabled
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO extensions (identifier, name, package_name, version, status, is_local,
				supported_terminals, author, description, installed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, e.Identifier, e.Name, e.PackageName, e.Version, string(e.Status), boolInt(e.IsLocal),
			encodeTerminals(e.SupportedTerminals), e.Author, e.Description)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create extension %s: %w", e.Identifier, ErrAlreadyExists)
		}
		return fmt.Errorf("create extension %s: %w", e.Identifier, err)
	}
	s.publish(e.Identifier, "created")
	return nil
}

// GetExtension returns ErrNotFound when no record exists.
func (s *Store) GetExtension(ctx context.Context, identifier string) (*Extension, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+extensionColumns+` FROM extensions WHERE identifier = ?;`, identifier)
	e, err := scanExtension(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("extension %s: %w", identifier, ErrNotFound)
		}
		return nil, fmt.Errorf("get extension %s: %w", identifier, err)
	}
	return e, nil
}

func (s *Store) ListExtensions(ctx context.Context) ([]Extension, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+extensionColumns+` FROM extensions ORDER BY identifier ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		e, err := scanExtension(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("extensions rows: %w", err)
	}
	return out, nil
}

// PackageNames maps every installed package name to its identifier.
func (s *Store) PackageNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package_name, identifier FROM extensions WHERE package_name != '';`)
	if err != nil {
		return nil, fmt.Errorf("list package names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scan package name: %w", err)
		}
		out[name] = id
	}
	return out, rows.Err()
}

// UpdateExtension rewrites the manifest-derived fields of a record.
// Status and installed_at are left alone.
func (s *Store) UpdateExtension(ctx context.Context, e Extension) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE extensions
			SET name = ?, package_name = ?, version = ?, supported_terminals = ?,
				author = ?, description = ?, updated_at = CURRENT_TIMESTAMP
			WHERE identifier = ?;
		`, e.Name, e.PackageName, e.Version, encodeTerminals(e.SupportedTerminals),
			e.Author, e.Description, e.Identifier)
		return err
	})
	if err != nil {
		return fmt.Errorf("update extension %s: %w", e.Identifier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update extension %s: %w", e.Identifier, ErrNotFound)
	}
	s.publish(e.Identifier, "updated")
	return nil
}

func (s *Store) SetExtensionStatus(ctx context.Context, identifier string, status ExtensionStatus) error {
	if status != StatusEnabled && status != StatusDisabled {
		return fmt.Errorf("set extension status: invalid status %q", status)
	}
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE extensions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE identifier = ?;
		`, string(status), identifier)
		return err
	})
	if err != nil {
		return fmt.Errorf("set extension status %s: %w", identifier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set extension status %s: %w", identifier, ErrNotFound)
	}
	s.publish(identifier, string(status))
	return nil
}

// DeleteExtension removes a record. ErrNotFound when nothing was deleted.
func (s *Store) DeleteExtension(ctx context.Context, identifier string) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM extensions WHERE identifier = ?;`, identifier)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete extension %s: %w", identifier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete extension %s: %w", identifier, ErrNotFound)
	}
	s.publish(identifier, "deleted")
	return nil
}
