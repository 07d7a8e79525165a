// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/extensiond/internal/shared"
)

// LogFile is the daemon log, relative to the home directory.
const LogFile = "logs/system.jsonl"

// NewLogger builds the daemon's JSON logger. Records go to <home>/LogFile
// and, unless quiet, to stdout as well. The returned closer owns the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := filepath.Join(homeDir, LogFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(newHandler(w, ParseLevel(level))).
		With("component", "extensiond", "operation_id", "-")
	return logger, file, nil
}

func newHandler(w io.Writer, lvl slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: scrub})
}

// scrub renames the time key, drops values of secret-named fields and masks
// secrets embedded in strings and errors.
func scrub(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime:
		return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
	case shared.SensitiveKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() == slog.KindString:
		a.Value = slog.StringValue(shared.Redact(a.Value.String()))
	case a.Value.Kind() == slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(shared.Redact(err.Error()))
		}
	}
	return a
}

// ParseLevel accepts slog level names in any case plus "warning".
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ForOperation returns a logger scoped to the operation carried by ctx.
func ForOperation(ctx context.Context, logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component, "operation_id", shared.OperationID(ctx))
}
