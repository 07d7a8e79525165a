// Package registry maintains extensions.json, the registry document the
// host reads at startup to decide which extensions to load.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var ErrNotFound = errors.New("registry entry not found")

// ConfigLocker runs fn while holding the config lock.
type ConfigLocker interface {
	WithConfigLock(ctx context.Context, fn func() error) error
}

type Manifest struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Entry is one extension in the registry document.
type Entry struct {
	Manifest    Manifest  `json:"manifest"`
	IsLocal     bool      `json:"isLocal"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installedAt"`
}

// Document maps identifiers to entries.
type Document map[string]Entry

type Registry struct {
	path   string
	locker ConfigLocker
}

func New(path string, locker ConfigLocker) *Registry {
	return &Registry{path: path, locker: locker}
}

func (r *Registry) Path() string { return r.path }

// Load reads the document without taking the config lock. A missing file
// is an empty document.
func (r *Registry) Load(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	doc := Document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return doc, nil
}

func (r *Registry) Get(ctx context.Context, identifier string) (*Entry, error) {
	doc, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := doc[identifier]
	if !ok {
		return nil, fmt.Errorf("%s: %w", identifier, ErrNotFound)
	}
	return &e, nil
}

// Identifiers returns the registered identifiers in sorted order.
func (d Document) Identifiers() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Update applies fn to the document under the config lock and writes the
// result atomically. fn's error aborts the write.
func (r *Registry) Update(ctx context.Context, fn func(Document) error) error {
	return r.locker.WithConfigLock(ctx, func() error {
		doc, err := r.Load(ctx)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return r.write(doc)
	})
}

// Put adds or replaces an entry.
func (r *Registry) Put(ctx context.Context, e Entry) error {
	if e.Manifest.Identifier == "" {
		return fmt.Errorf("registry put: empty identifier")
	}
	return r.Update(ctx, func(doc Document) error {
		doc[e.Manifest.Identifier] = e
		return nil
	})
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (r *Registry) Remove(ctx context.Context, identifier string) error {
	return r.Update(ctx, func(doc Document) error {
		delete(doc, identifier)
		return nil
	})
}

func (r *Registry) SetEnabled(ctx context.Context, identifier string, enabled bool) error {
	return r.Update(ctx, func(doc Document) error {
		e, ok := doc[identifier]
		if !ok {
			return fmt.Errorf("%s: %w", identifier, ErrNotFound)
		}
		e.Enabled = enabled
		doc[identifier] = e
		return nil
	})
}

func (r *Registry) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
