// Package dedup implements the deduplication store (spec.md §4.3): it
// records processed dedup keys with a TTL and answers whether a key is
// fresh or a duplicate, atomically, before handler dispatch.
package dedup

import (
	"context"
	"time"
)

// Result is the outcome of TryMark.
type Result int

const (
	Fresh Result = iota
	Duplicate
)

// Store atomically records and queries processed dedup keys.
//
// The dedup decision is made before dispatch and is never rolled back on
// handler failure: dedup keys model exactly-once intent by the sender,
// not delivery success (spec.md §4.3).
type Store interface {
	// TryMark atomically records key with expiry now+ttl iff no live
	// entry exists, returning Fresh on first sight or Duplicate if a
	// live entry was already present.
	TryMark(ctx context.Context, key string, ttl time.Duration) (Result, error)

	// Purge reclaims entries that expired at or before now. Backends
	// that expire lazily (e.g. Redis TTL) may treat this as a no-op.
	Purge(ctx context.Context, now time.Time) error

	// Close releases resources held by the store.
	Close() error
}
