// Package audit keeps an append-only record of lifecycle decisions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/extensiond/internal/shared"
)

// Outcomes recorded for lifecycle operations.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
	OutcomeSkipped   = "skipped"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	OperationID string `json:"operation_id"`
	Operation   string `json:"operation"`
	Identifier  string `json:"identifier"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	conflictCount atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending. Repeated calls are no-ops.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors audit entries into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ConflictCount returns the number of conflict outcomes since startup.
func ConflictCount() int64 {
	return conflictCount.Load()
}

// Record appends one lifecycle decision.
func Record(ctx context.Context, operation, identifier, outcome, detail string) {
	if outcome == OutcomeConflict {
		conflictCount.Add(1)
	}
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	opID := shared.OperationID(ctx)
	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
			OperationID: opID,
			Operation:   operation,
			Identifier:  identifier,
			Outcome:     outcome,
			Detail:      detail,
			Actor:       shared.Actor(ctx),
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (operation_id, operation, identifier, outcome, detail)
			VALUES (?, ?, ?, ?, ?);
		`, opID, operation, identifier, outcome, detail)
	}
}
