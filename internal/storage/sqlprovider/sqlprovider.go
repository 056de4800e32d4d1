// Package sqlprovider implements storage.Provider on Postgres via
// pgx/v5, grounded on the teacher's async-invocation queue
// (SELECT ... FOR UPDATE SKIP LOCKED lease pattern) and its
// advisory-lock helpers (FIFO group serialization).
package sqlprovider

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/storage"
)

// Provider is the Postgres-backed storage.Provider for one inbox.
type Provider struct {
	pool  *pgxpool.Pool
	table string
}

// New creates (if absent) the per-inbox table and index set and
// returns a Provider bound to it. table is used verbatim; callers
// derive it with internal/sanitize from the inbox name plus a
// configured prefix, truncated to Postgres's 63-byte identifier
// limit.
func New(ctx context.Context, pool *pgxpool.Pool, table string) (*Provider, error) {
	p := &Provider{pool: pool, table: table}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			dedup_key TEXT,
			group_id TEXT,
			seq BIGINT,
			payload BYTEA,
			content_type TEXT,
			enqueued_at TIMESTAMPTZ NOT NULL,
			attempt INT NOT NULL DEFAULT 0,
			next_visible_at TIMESTAMPTZ NOT NULL,
			lease TEXT,
			state SMALLINT NOT NULL,
			last_error TEXT
		)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_visible_idx ON %s (state, next_visible_at)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_group_seq_idx ON %s (group_id, seq)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure storage schema: %w", err)
		}
	}
	return nil
}

// State values persisted in the state column, matching
// envelope.State's ordering.
const (
	stateVisible = iota
	stateLeased
	stateSucceeded
	stateDeadLettered
)

func toDBState(s envelope.State) int16 {
	switch s {
	case envelope.StateVisible:
		return stateVisible
	case envelope.StateLeased:
		return stateLeased
	case envelope.StateSucceeded:
		return stateSucceeded
	case envelope.StateDeadLettered:
		return stateDeadLettered
	default:
		return stateVisible
	}
}

func fromDBState(v int16) envelope.State {
	switch v {
	case stateLeased:
		return envelope.StateLeased
	case stateSucceeded:
		return envelope.StateSucceeded
	case stateDeadLettered:
		return envelope.StateDeadLettered
	default:
		return envelope.StateVisible
	}
}

func (p *Provider) Enqueue(ctx context.Context, env envelope.Envelope, _ time.Duration) (storage.EnqueueOutcome, error) {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if env.NextVisibleAt.IsZero() {
		env.NextVisibleAt = env.EnqueuedAt
	}

	// Dedup is enforced by a dedicated dedup.Store composed by the
	// caller before Enqueue is invoked (see storage.Provider doc);
	// here we only guard against a duplicate primary key. A row with
	// the same id that is already terminal (succeeded or
	// dead-lettered) is reactivated in place instead of rejected, so a
	// dead-lettered envelope coming back through Replay is actually
	// redelivered rather than silently dropped as a duplicate.
	ct, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, dedup_key, group_id, seq, payload, content_type,
			enqueued_at, attempt, next_visible_at, lease, state, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,$10,NULL)
		ON CONFLICT (id) DO UPDATE SET
			dedup_key = EXCLUDED.dedup_key,
			group_id = EXCLUDED.group_id,
			seq = EXCLUDED.seq,
			payload = EXCLUDED.payload,
			content_type = EXCLUDED.content_type,
			enqueued_at = EXCLUDED.enqueued_at,
			attempt = EXCLUDED.attempt,
			next_visible_at = EXCLUDED.next_visible_at,
			lease = NULL,
			state = EXCLUDED.state,
			last_error = NULL
		WHERE %s.state IN (%d, %d)
	`, p.table, p.table, stateSucceeded, stateDeadLettered),
		env.ID, nullIfEmpty(env.DedupKey), nullIfEmpty(env.GroupID), nullSeq(env.GroupID, env.Seq),
		env.Payload, env.ContentType, env.EnqueuedAt, env.Attempt, env.NextVisibleAt, toDBState(env.State))
	if err != nil {
		return storage.Accepted, fmt.Errorf("enqueue: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.DuplicateID, nil
	}
	return storage.Accepted, nil
}

// LeaseBatch leases up to max visible envelopes. In FIFO mode, each
// candidate group is serialized with a transaction-scoped advisory
// lock keyed by hash(table, group_id); a group already locked by a
// concurrent lease is skipped for this call rather than blocked on.
func (p *Provider) LeaseBatch(ctx context.Context, max int, vt time.Duration, fifo bool) ([]envelope.Envelope, error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease batch begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	leaseUntil := now.Add(vt)

	var out []envelope.Envelope
	for len(out) < max {
		var groupFilter string
		var args []any
		args = append(args, now)

		if fifo {
			groupID, locked, err := p.lockNextGroup(ctx, tx, now, out)
			if err != nil {
				return nil, err
			}
			if !locked {
				break
			}
			if groupID != "" {
				groupFilter = " AND group_id = $2"
				args = append(args, groupID)
			} else {
				groupFilter = " AND group_id IS NULL"
			}
		}

		env, ok, err := p.leaseOne(ctx, tx, now, leaseUntil, groupFilter, args)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, env)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("lease batch commit: %w", err)
	}
	return out, nil
}

// LeaseGroupBatch locks one eligible FIFO group and leases up to max
// of its messages, one SELECT ... FOR UPDATE SKIP LOCKED at a time in
// ascending seq order, inside a single transaction.
func (p *Provider) LeaseGroupBatch(ctx context.Context, max int, vt time.Duration) ([]envelope.Envelope, error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease group batch begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	leaseUntil := now.Add(vt)

	groupID, locked, err := p.lockNextGroup(ctx, tx, now, nil)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil
	}

	var out []envelope.Envelope
	for len(out) < max {
		env, ok, err := p.leaseOne(ctx, tx, now, leaseUntil, " AND group_id = $2", []any{now, groupID})
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, env)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("lease group batch commit: %w", err)
	}
	return out, nil
}

// lockNextGroup picks the next eligible FIFO group not already
// represented in already and attempts a non-blocking advisory lock on
// it. Returns locked=false once no more groups can be locked this
// call (head-of-line blocked, contended, or exhausted).
func (p *Provider) lockNextGroup(ctx context.Context, tx pgx.Tx, now time.Time, already []envelope.Envelope) (string, bool, error) {
	excluded := make(map[string]bool, len(already))
	for _, e := range already {
		if e.GroupID != "" {
			excluded[e.GroupID] = true
		}
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT ON (group_id) group_id
		FROM %s
		WHERE state = %d AND next_visible_at <= $1 AND group_id IS NOT NULL
		ORDER BY group_id, seq ASC
	`, p.table, stateVisible), now)
	if err != nil {
		return "", false, fmt.Errorf("lock next group query: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return "", false, fmt.Errorf("scan candidate group: %w", err)
		}
		if !excluded[g] {
			candidates = append(candidates, g)
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}

	for _, g := range candidates {
		var acquired bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, p.groupLockKey(g)).Scan(&acquired); err != nil {
			return "", false, fmt.Errorf("acquire group lock: %w", err)
		}
		if acquired {
			if leased, err := p.groupHasLeasedMessage(ctx, tx, g); err != nil {
				return "", false, err
			} else if !leased {
				return g, true, nil
			}
		}
	}
	return "", false, nil
}

func (p *Provider) groupHasLeasedMessage(ctx context.Context, tx pgx.Tx, group string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE group_id = $1 AND state = %d)`, p.table, stateLeased,
	), group).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check group leased: %w", err)
	}
	return exists, nil
}

func (p *Provider) groupLockKey(group string) int64 {
	h := sha256.Sum256([]byte(p.table + ":" + group))
	return int64(h[0]) | int64(h[1])<<8 | int64(h[2])<<16 | int64(h[3])<<24 |
		int64(h[4])<<32 | int64(h[5])<<40 | int64(h[6])<<48 | int64(h[7])<<56
}

func (p *Provider) leaseOne(ctx context.Context, tx pgx.Tx, now, leaseUntil time.Time, groupFilter string, args []any) (envelope.Envelope, bool, error) {
	lease := envelope.NewID()
	query := fmt.Sprintf(`
		UPDATE %s SET
			state = %d,
			attempt = attempt + 1,
			lease = $%d,
			next_visible_at = $%d
		WHERE id = (
			SELECT id FROM %s
			WHERE state = %d AND next_visible_at <= $1 %s
			ORDER BY next_visible_at ASC, enqueued_at ASC, seq ASC NULLS LAST
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, dedup_key, group_id, seq, payload, content_type, enqueued_at, attempt, next_visible_at, lease, state, last_error
	`, p.table, stateLeased, len(args)+1, len(args)+2, p.table, stateVisible, groupFilter)
	args = append(args, lease, leaseUntil)

	row := tx.QueryRow(ctx, query, args...)
	env, err := scanEnvelope(row)
	if err == pgx.ErrNoRows {
		return envelope.Envelope{}, false, nil
	}
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("lease one: %w", err)
	}
	return env, true, nil
}

func (p *Provider) Acknowledge(ctx context.Context, id string, lease string) error {
	ct, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = %d, lease = NULL
		WHERE id = $1 AND lease = $2
	`, p.table, stateSucceeded), id, lease)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return p.leaseMismatchError(ctx, id)
	}
	return nil
}

func (p *Provider) Nack(ctx context.Context, id string, lease string, info storage.ErrorInfo, maxAttempts int, policy backoff.Policy) (envelope.Envelope, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("nack begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, dedup_key, group_id, seq, payload, content_type, enqueued_at, attempt, next_visible_at, lease, state, last_error
		FROM %s WHERE id = $1 FOR UPDATE
	`, p.table), id)
	env, err := scanEnvelope(row)
	if err == pgx.ErrNoRows {
		return envelope.Envelope{}, false, storage.ErrNotFound
	}
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("nack lookup: %w", err)
	}
	if env.Lease != lease {
		return envelope.Envelope{}, false, storage.ErrLeaseExpired
	}

	deadLettered := env.Attempt >= maxAttempts
	var nextVisible time.Time
	var newState int16
	if deadLettered {
		newState = stateDeadLettered
		env.State = envelope.StateDeadLettered
	} else {
		nextVisible = time.Now().UTC().Add(backoff.Delay(env.Attempt, policy))
		newState = stateVisible
		env.State = envelope.StateVisible
		env.NextVisibleAt = nextVisible
	}
	env.LastError = info.Reason
	env.Lease = ""

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = $2, lease = NULL, last_error = $3, next_visible_at = COALESCE($4, next_visible_at)
		WHERE id = $1
	`, p.table), id, newState, info.Reason, nullTime(nextVisible))
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("nack update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("nack commit: %w", err)
	}
	return env, deadLettered, nil
}

func (p *Provider) Extend(ctx context.Context, id string, lease string, additional time.Duration) error {
	ct, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET next_visible_at = next_visible_at + $3
		WHERE id = $1 AND lease = $2
	`, p.table), id, lease, additional)
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return p.leaseMismatchError(ctx, id)
	}
	return nil
}

func (p *Provider) leaseMismatchError(ctx context.Context, id string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, p.table), id).Scan(&exists); err != nil {
		return fmt.Errorf("lease mismatch lookup: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrLeaseExpired
}

func (p *Provider) Peek(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, dedup_key, group_id, seq, payload, content_type, enqueued_at, attempt, next_visible_at, lease, state, last_error
		FROM %s
		ORDER BY next_visible_at ASC, enqueued_at ASC, seq ASC NULLS LAST
		LIMIT $1
	`, p.table), limit)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	defer rows.Close()

	var out []envelope.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peek: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (p *Provider) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := p.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE state IN (%d, %d) AND next_visible_at < $1
	`, p.table, stateSucceeded, stateDeadLettered), olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (p *Provider) Stats(ctx context.Context) (storage.Stats, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT state, COUNT(*) FROM %s GROUP BY state`, p.table))
	if err != nil {
		return storage.Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var s storage.Stats
	for rows.Next() {
		var state int16
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return storage.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch state {
		case stateVisible:
			s.Visible = count
		case stateLeased:
			s.Leased = count
		case stateSucceeded:
			s.Succeeded = count
		case stateDeadLettered:
			s.DeadLettered = count
		}
	}
	return s, rows.Err()
}

func (p *Provider) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (envelope.Envelope, error) {
	var env envelope.Envelope
	var dedupKey, groupID, lease, lastError *string
	var seq *int64
	var state int16

	if err := row.Scan(
		&env.ID, &dedupKey, &groupID, &seq, &env.Payload, &env.ContentType,
		&env.EnqueuedAt, &env.Attempt, &env.NextVisibleAt, &lease, &state, &lastError,
	); err != nil {
		return envelope.Envelope{}, err
	}
	if dedupKey != nil {
		env.DedupKey = *dedupKey
	}
	if groupID != nil {
		env.GroupID = *groupID
	}
	if seq != nil {
		env.Seq = *seq
	}
	if lease != nil {
		env.Lease = *lease
	}
	if lastError != nil {
		env.LastError = *lastError
	}
	env.State = fromDBState(state)
	return env, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullSeq(groupID string, seq int64) any {
	if groupID == "" {
		return nil
	}
	return seq
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
