package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const lockSuffix = ".lock"

// FileStore keeps one file per lock under dir. Existence of the file is
// the lock. Only safe for processes sharing one filesystem.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+lockSuffix)
}

func (s *FileStore) Create(_ context.Context, key string, e Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode lock entry: %w", err)
	}
	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(s.path(key))
		return false, fmt.Errorf("write lock %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(s.path(key))
		return false, fmt.Errorf("close lock %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A torn write still means the lock is held.
		return &Entry{Name: key}, nil
	}
	return &e, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) (map[string]Entry, error) {
	keys, err := s.keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(keys))
	for _, key := range keys {
		e, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out[key] = *e
		}
	}
	return out, nil
}

// Sweep removes every lock file. It must only run at startup, before any
// operation can hold a lock.
func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	keys, err := s.keys()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *FileStore) keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock dir: %w", err)
	}
	var keys []string
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), lockSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(de.Name(), lockSuffix))
	}
	return keys, nil
}
