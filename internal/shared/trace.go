package shared

import (
	"context"

	"github.com/google/uuid"
)

type operationIDKey struct{}
type actorKey struct{}

// WithOperationID attaches an operation_id to the context.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationID extracts operation_id from context. Returns "-" if absent.
func OperationID(ctx context.Context) string {
	if v, ok := ctx.Value(operationIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewOperationID generates a new operation_id.
func NewOperationID() string {
	return uuid.NewString()
}

// EnsureOperationID returns ctx unchanged when it already carries an
// operation id, otherwise a child context with a fresh one.
func EnsureOperationID(ctx context.Context) (context.Context, string) {
	if v, ok := ctx.Value(operationIDKey{}).(string); ok && v != "" {
		return ctx, v
	}
	id := NewOperationID()
	return WithOperationID(ctx, id), id
}

// WithActor records who requested an operation (CLI user, API token subject).
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the requesting actor. Returns "" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
