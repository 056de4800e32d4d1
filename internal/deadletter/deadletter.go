// Package deadletter implements the dead-letter store (spec.md §4.4):
// an append-only log of permanently failed envelopes keyed by
// (inbox, message_id), with paged query and manual replay.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/inboxrt/internal/envelope"
)

// ErrNotFound is returned when a replay or lookup targets an entry that
// does not exist in the store.
var ErrNotFound = errors.New("deadletter: entry not found")

// Entry is a single dead-lettered envelope with terminal failure
// metadata.
type Entry struct {
	Inbox        string
	Envelope     envelope.Envelope
	Reason       string
	FailedAt     time.Time
	FinalAttempt int
}

// Page is one page of a paged dead-letter query.
type Page struct {
	Entries []Entry
	// NextOffset is the offset to pass to resume the query, or -1 when
	// there are no further entries.
	NextOffset int
}

// Store is the append-only dead-letter log for one or more inboxes.
type Store interface {
	// Append records env as permanently failed in inbox, with reason
	// and the attempt count at which it was dead-lettered.
	Append(ctx context.Context, inbox string, env envelope.Envelope, reason string, finalAttempt int) error

	// List returns up to limit entries for inbox starting at offset,
	// ordered by FailedAt ascending.
	List(ctx context.Context, inbox string, offset, limit int) (Page, error)

	// Replay looks up the dead-lettered envelope by id, resets its
	// attempt count and visibility so it re-enters the normal
	// processing flow via enqueue, and returns the envelope to
	// re-submit. The caller is responsible for actually re-enqueuing
	// it through the inbox's storage provider.
	Replay(ctx context.Context, inbox string, id string) (envelope.Envelope, error)

	// Close releases resources held by the store.
	Close() error
}
