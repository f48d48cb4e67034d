// Package file implements a directory-backed key-value store, one file
// per key. Intended for tests and local runs.
package file

import (
	"context"
	"os"
	"path/filepath"

	"cartflow/pkg/kvstore"
)

// Store persists values as files under a directory.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a store over it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get retrieves the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", kvstore.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Set stores the value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return os.WriteFile(s.path(key), []byte(value), 0o644)
}

// Delete removes the value for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
