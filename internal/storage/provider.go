// Package storage defines the durable queue contract (spec.md §4.1)
// that every backend — in-memory, Postgres, Redis — implements
// identically, so processing strategies never know which backend an
// inbox is wired to.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/envelope"
)

// EnqueueOutcome reports what Enqueue actually did.
type EnqueueOutcome int

const (
	// Accepted means the envelope was newly appended, or replaced a
	// terminal (succeeded or dead-lettered) envelope with the same ID.
	Accepted EnqueueOutcome = iota
	// DuplicateID means an envelope with the same ID is still pending
	// (visible or leased).
	DuplicateID
	// DedupHit means the envelope's dedup key was already seen; the
	// envelope was not appended (spec.md §3 invariant 2).
	DedupHit
)

func (o EnqueueOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DuplicateID:
		return "duplicate_id"
	case DedupHit:
		return "dedup_hit"
	default:
		return "unknown"
	}
}

// ErrLeaseExpired is returned by Acknowledge, Nack, and Extend when the
// supplied lease token no longer matches the envelope's current lease.
var ErrLeaseExpired = errors.New("storage: lease expired")

// ErrNotFound is returned when an operation targets an envelope id
// that does not exist in the inbox.
var ErrNotFound = errors.New("storage: envelope not found")

// ErrorInfo carries the reason a handler failed, passed to Nack so the
// backend can decide between retry and dead-letter.
type ErrorInfo struct {
	Reason string
}

// Stats summarizes the current state of one inbox's backing queue.
type Stats struct {
	Visible      int64
	Leased       int64
	Succeeded    int64
	DeadLettered int64
}

// Provider is the durable queue contract any storage backend must
// satisfy for one inbox.
type Provider interface {
	// Enqueue appends env, returning Accepted, DuplicateID, or
	// DedupHit. MemoryProvider consults its own dedup store before
	// appending when dedupTTL is non-zero (DedupHit short-circuits);
	// the sql and redis providers ignore dedupTTL and never return
	// DedupHit, leaving dedup to a dedup.Store composed by the caller.
	Enqueue(ctx context.Context, env envelope.Envelope, dedupTTL time.Duration) (EnqueueOutcome, error)

	// LeaseBatch returns up to max currently-visible envelopes, each
	// assigned a fresh lease token and next_visible_at = now + vt. In
	// FIFO mode, at most one envelope per group is returned and only
	// if the prior envelope in that group is Succeeded, DeadLettered,
	// or absent.
	LeaseBatch(ctx context.Context, max int, vt time.Duration, fifo bool) ([]envelope.Envelope, error)

	// LeaseGroupBatch picks one eligible FIFO group (the group is
	// locked for the duration of the lease, same as LeaseBatch's FIFO
	// mode) and returns up to max contiguous envelopes from it in
	// ascending sequence order, for the FifoBatched strategy.
	LeaseGroupBatch(ctx context.Context, max int, vt time.Duration) ([]envelope.Envelope, error)

	// Acknowledge marks id Succeeded iff lease matches its current
	// lease token.
	Acknowledge(ctx context.Context, id string, lease string) error

	// Nack applies the retry policy: reschedules with backoff when
	// attempt < maxAttempts, otherwise dead-letters. Returns the
	// updated envelope and whether it was dead-lettered, so the caller
	// can record metrics and append to the dead-letter store.
	Nack(ctx context.Context, id string, lease string, info ErrorInfo, maxAttempts int, policy backoff.Policy) (env envelope.Envelope, deadLettered bool, err error)

	// Extend extends id's lease by additional, validating lease.
	Extend(ctx context.Context, id string, lease string, additional time.Duration) error

	// Peek returns up to limit envelopes without leasing them, for
	// observability.
	Peek(ctx context.Context, limit int) ([]envelope.Envelope, error)

	// PurgeExpired reclaims terminal envelopes older than olderThan.
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)

	// Stats reports current queue composition.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources held by the provider.
	Close() error
}
