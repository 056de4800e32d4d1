package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/inboxrt/internal/envelope"
)

// SQLStore implements Store on Postgres, one table per inbox mirroring
// the envelope table's schema plus (failed_at, reason, final_attempt)
// (spec.md §6).
type SQLStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewSQLStore creates the dead-letter table (if absent) and returns a
// store backed by it. tableName is used verbatim; callers derive it
// via internal/sanitize.
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
			id TEXT PRIMARY KEY,
			dedup_key TEXT,
			group_id TEXT,
			seq BIGINT,
			payload BYTEA,
			content_type TEXT,
			enqueued_at TIMESTAMPTZ,
			attempt INT,
			last_error TEXT,
			failed_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL,
			final_attempt INT NOT NULL
		)
	`, s.tableName))
	if err != nil {
		return fmt.Errorf("ensure deadletter schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_failed_at_idx ON %s (failed_at)`, s.tableName, s.tableName))
	if err != nil {
		return fmt.Errorf("ensure deadletter index: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, _ string, env envelope.Envelope, reason string, finalAttempt int) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, dedup_key, group_id, seq, payload, content_type,
			enqueued_at, attempt, last_error, failed_at, reason, final_attempt
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING
	`, s.tableName),
		env.ID, nullIfEmpty(env.DedupKey), nullIfEmpty(env.GroupID), env.Seq, env.Payload, env.ContentType,
		env.EnqueuedAt, env.Attempt, nullIfEmpty(env.LastError), now, reason, finalAttempt)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, _ string, offset, limit int) (Page, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, dedup_key, group_id, seq, payload, content_type,
		       enqueued_at, attempt, last_error, failed_at, reason, final_attempt
		FROM %s
		ORDER BY failed_at ASC
		LIMIT $1 OFFSET $2
	`, s.tableName), limit+1, offset)
	if err != nil {
		return Page{}, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list dead letters rows: %w", err)
	}

	next := -1
	if len(entries) > limit {
		entries = entries[:limit]
		next = offset + limit
	}
	return Page{Entries: entries, NextOffset: next}, nil
}

func (s *SQLStore) Replay(ctx context.Context, _ string, id string) (envelope.Envelope, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("begin replay: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, dedup_key, group_id, seq, payload, content_type,
		       enqueued_at, attempt, last_error, failed_at, reason, final_attempt
		FROM %s WHERE id = $1
	`, s.tableName), id)
	e, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return envelope.Envelope{}, ErrNotFound
	}
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("replay lookup: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName), id); err != nil {
		return envelope.Envelope{}, fmt.Errorf("replay delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return envelope.Envelope{}, fmt.Errorf("commit replay: %w", err)
	}

	env := e.Envelope
	env.Attempt = 0
	env.State = envelope.StateVisible
	env.LastError = ""
	return env, nil
}

func (s *SQLStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var dedupKey, groupID, lastError *string
	var seq *int64

	if err := row.Scan(
		&e.Envelope.ID, &dedupKey, &groupID, &seq, &e.Envelope.Payload, &e.Envelope.ContentType,
		&e.Envelope.EnqueuedAt, &e.Envelope.Attempt, &lastError, &e.FailedAt, &e.Reason, &e.FinalAttempt,
	); err != nil {
		return Entry{}, err
	}
	if dedupKey != nil {
		e.Envelope.DedupKey = *dedupKey
	}
	if groupID != nil {
		e.Envelope.GroupID = *groupID
	}
	if seq != nil {
		e.Envelope.Seq = *seq
	}
	if lastError != nil {
		e.Envelope.LastError = *lastError
	}
	e.Envelope.State = envelope.StateDeadLettered
	return e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
