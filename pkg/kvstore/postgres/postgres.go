package postgres

import (
	"context"
	"database/sql"

	"cartflow/pkg/kvstore"
)

// Store persists values in PostgreSQL. The caller must ensure the
// provided database has a kv table:
// CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL);
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL-backed store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key=$1", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", kvstore.ErrNotFound
	}
	return v, err
}

// Set stores the value under key, replacing any existing value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key,value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value",
		key, value)
	return err
}

// Delete removes the value for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key=$1", key)
	return err
}
