package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLStore implements Store on Postgres: a single shared table keyed
// by dedup key, with an expiry column and an upsert-if-expired claim
// (spec.md §4.3).
type SQLStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewSQLStore creates the dedup table (if absent) and returns a store
// backed by it. tableName is used verbatim; callers derive it via
// internal/sanitize when composing with user-supplied inbox names.
func NewSQLStore(ctx context.Context, pool *pgxpool.Pool, tableName string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, tableName: tableName}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`, s.tableName))
	if err != nil {
		return fmt.Errorf("ensure dedup schema: %w", err)
	}
	return nil
}

// TryMark claims key via an upsert that only succeeds when no row
// exists or the existing row already expired, mirroring the
// idempotency-key claim pattern used elsewhere in this stack.
func (s *SQLStore) TryMark(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	var claimedKey string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
			SET expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at <= $3
		RETURNING key
	`, s.tableName, s.tableName), key, expiresAt, now).Scan(&claimedKey)
	if err == pgx.ErrNoRows {
		return Duplicate, nil
	}
	if err != nil {
		return Fresh, fmt.Errorf("dedup try mark: %w", err)
	}
	return Fresh, nil
}

func (s *SQLStore) Purge(ctx context.Context, now time.Time) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.tableName), now)
	if err != nil {
		return fmt.Errorf("dedup purge: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return nil
}
