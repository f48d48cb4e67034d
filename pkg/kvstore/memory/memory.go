// Package memory implements an in-memory key-value store.
package memory

import (
	"context"
	"sync"

	"cartflow/pkg/kvstore"
)

// Store provides an in-memory implementation of kvstore.Store.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Get retrieves the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return v, nil
}

// Set stores the value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete removes the value for key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
