// Package locks serializes lifecycle operations. It holds one lock per
// extension, a single system-wide heavy lock for install and upgrade, and
// a config lock guarding the shared registry document.
package locks

import (
	"errors"
	"fmt"
	"strings"
)

// Operation names the lifecycle operation holding a lock.
type Operation string

const (
	OpInstall   Operation = "install"
	OpUpgrade   Operation = "upgrade"
	OpUninstall Operation = "uninstall"
	OpConfig    Operation = "config"
)

// Heavy reports whether op must also hold the system-wide heavy lock.
func (op Operation) Heavy() bool {
	return op == OpInstall || op == OpUpgrade
}

func (op Operation) Valid() bool {
	switch op {
	case OpInstall, OpUpgrade, OpUninstall:
		return true
	}
	return false
}

func (op Operation) progressive() string {
	switch op {
	case OpInstall:
		return "installed"
	case OpUpgrade:
		return "upgraded"
	case OpUninstall:
		return "uninstalled"
	case OpConfig:
		return "reconfigured"
	}
	return "modified"
}

const (
	HeavyKey  = "heavy"
	ConfigKey = "config"
)

// ExtensionKey maps an identifier to its lock key. Bytes outside
// [a-z0-9._-] are written as ~XX, so distinct identifiers never share a
// key, even on case-insensitive filesystems.
func ExtensionKey(identifier string) string {
	return "ext-" + escapeKey(identifier)
}

func escapeKey(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('~')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// Entry is the payload stored with a held lock.
type Entry struct {
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Operation  Operation `json:"operation"`
	Timestamp  int64     `json:"timestamp"`
	PID        int       `json:"pid,omitempty"`
	Host       string    `json:"host,omitempty"`
}

func (e Entry) displayName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Identifier != "" {
		return e.Identifier
	}
	return "unknown extension"
}

// ConflictError reports a request rejected because a lock is held.
type ConflictError struct {
	Identifier string
	Requested  Operation
	Holder     Entry
	Heavy      bool
	Config     bool
}

func (e *ConflictError) Error() string {
	switch {
	case e.Config:
		return "registry is locked by another operation; retry shortly"
	case e.Heavy:
		return fmt.Sprintf("another install or upgrade is in progress: %q is being %s", e.Holder.displayName(), e.Holder.Operation.progressive())
	default:
		return fmt.Sprintf("extension %q is currently being %s (%s in progress)", e.Holder.displayName(), e.Holder.Operation.progressive(), e.Holder.Operation)
	}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
