package manager

import (
	"errors"
	"fmt"

	"github.com/basket/extensiond/internal/acquire"
	"github.com/basket/extensiond/internal/installer"
	"github.com/basket/extensiond/internal/locks"
	"github.com/basket/extensiond/internal/marketplace"
	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/registry"
)

// Kind classifies a failed operation for callers and the HTTP API.
type Kind string

const (
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Error is returned by every Manager operation that fails.
type Error struct {
	Kind       Kind
	Op         string
	Identifier string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Identifier, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Op, e.Identifier)
}

func (e *Error) Unwrap() error { return e.Err }

func validationf(op, id, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Identifier: id, Message: fmt.Sprintf(format, args...)}
}

func notFound(op, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Identifier: id, Message: fmt.Sprintf("extension %q is not installed", id)}
}

// classify wraps err in an *Error, keeping an existing classification.
func classify(op, id string, err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	e := &Error{Kind: KindInternal, Op: op, Identifier: id, Err: err}
	var ce *locks.ConflictError
	var ve *acquire.ValidationError
	switch {
	case errors.As(err, &ce):
		e.Kind = KindConflict
		e.Message = ce.Error()
	case errors.As(err, &ve):
		e.Kind = KindValidation
		e.Message = ve.Error()
	case errors.Is(err, installer.ErrInvalidLayout):
		e.Kind = KindValidation
		e.Message = err.Error()
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, marketplace.ErrNotFound):
		e.Kind = KindNotFound
		e.Message = err.Error()
	}
	return e
}

// KindOf returns the classification of err, KindInternal for unclassified
// errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return classify("", "", err).Kind
}

func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
