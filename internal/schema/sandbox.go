package schema

import (
	"context"
	"database/sql"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// sandbox is a connection whose main database is private and in memory,
// with only the extension schema attached as AttachAlias. Unqualified
// names resolve to the extension's tables, and ATTACH/DETACH are denied so
// package SQL cannot reach any other database file.
type sandbox struct {
	db   *sql.DB
	conn *sql.Conn
}

func openSandbox(ctx context.Context, schemaPath string) (*sandbox, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	sb := &sandbox{db: db, conn: conn}

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS `+AttachAlias, schemaPath); err != nil {
		sb.Close()
		return nil, fmt.Errorf("attach schema: %w", err)
	}
	err = conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		c.RegisterAuthorizer(sandboxAuthorizer)
		return nil
	})
	if err != nil {
		sb.Close()
		return nil, err
	}
	return sb, nil
}

func sandboxAuthorizer(op int, _, _, _ string) int {
	switch op {
	case sqlite3.SQLITE_ATTACH, sqlite3.SQLITE_DETACH:
		return sqlite3.SQLITE_DENY
	}
	return sqlite3.SQLITE_OK
}

// Close drops the connection with the authorizer still installed; the
// attached schema goes with it.
func (sb *sandbox) Close() {
	_ = sb.conn.Close()
	_ = sb.db.Close()
}
