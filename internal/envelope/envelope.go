// Package envelope defines the persisted message unit that flows through
// an inbox: identifier, payload, FIFO/dedup metadata, and lifecycle state.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// State is the terminal/non-terminal lifecycle stage of an envelope.
type State int

const (
	StateVisible State = iota
	StateLeased
	StateSucceeded
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateVisible:
		return "visible"
	case StateLeased:
		return "leased"
	case StateSucceeded:
		return "succeeded"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Envelope is the durable unit persisted by a storage provider.
type Envelope struct {
	ID            string
	DedupKey      string // optional
	GroupID       string // optional, FIFO group
	Seq           int64  // sequence within GroupID, only meaningful when GroupID != ""
	Payload       []byte
	ContentType   string
	EnqueuedAt    time.Time
	Attempt       int
	NextVisibleAt time.Time
	Lease         string // lease token, empty when not leased
	State         State
	LastError     string
}

// NewID returns a fresh opaque envelope identifier.
func NewID() string {
	return uuid.NewString()
}

// Visible reports whether the envelope may currently be leased, per
// spec invariant 3: next_visible_at <= now, no lease held, not terminal.
func (e *Envelope) Visible(now time.Time) bool {
	return e.Lease == "" && e.State != StateSucceeded && e.State != StateDeadLettered && !e.NextVisibleAt.After(now)
}

// Outcome is the result of a handler dispatch, reported back to the
// strategy so it can ack, nack, or dead-letter the envelope.
type Outcome struct {
	ID         string
	Success    bool
	Retryable  bool // ignored when Success is true
	Reason     string
}
