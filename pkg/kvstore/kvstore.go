// Package kvstore defines the key-value store contract cart snapshots
// are persisted through.
package kvstore

import (
	"context"
	"errors"
)

// Store defines behavior for a synchronous key-value string store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("key not found")
