package locks

import "context"

// Store persists lock entries. Create must be atomic create-if-absent:
// concurrent callers racing on the same key see exactly one success.
type Store interface {
	Create(ctx context.Context, key string, e Entry) (bool, error)
	// Get returns nil, nil when key is free.
	Get(ctx context.Context, key string) (*Entry, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]Entry, error)
	// Sweep removes locks left behind by a crashed process and reports how
	// many were removed.
	Sweep(ctx context.Context) (int, error)
}
