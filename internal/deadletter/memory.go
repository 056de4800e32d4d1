package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/inboxrt/internal/envelope"
)

// MemoryStore is an in-process dead-letter log, suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	byInbox map[string][]Entry
}

// NewMemoryStore creates an empty in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byInbox: make(map[string][]Entry)}
}

func (s *MemoryStore) Append(_ context.Context, inbox string, env envelope.Envelope, reason string, finalAttempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byInbox[inbox] = append(s.byInbox[inbox], Entry{
		Inbox:        inbox,
		Envelope:     env,
		Reason:       reason,
		FailedAt:     time.Now().UTC(),
		FinalAttempt: finalAttempt,
	})
	return nil
}

func (s *MemoryStore) List(_ context.Context, inbox string, offset, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.byInbox[inbox]
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FailedAt.Before(sorted[j].FailedAt) })

	if offset >= len(sorted) {
		return Page{NextOffset: -1}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(sorted) {
		end = len(sorted)
	}
	page := sorted[offset:end]

	next := -1
	if end < len(sorted) {
		next = end
	}
	return Page{Entries: page, NextOffset: next}, nil
}

func (s *MemoryStore) Replay(_ context.Context, inbox string, id string) (envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byInbox[inbox]
	for i, e := range entries {
		if e.Envelope.ID == id {
			replayed := e.Envelope
			replayed.Attempt = 0
			replayed.State = envelope.StateVisible
			replayed.NextVisibleAt = time.Time{}
			replayed.LastError = ""
			s.byInbox[inbox] = append(entries[:i], entries[i+1:]...)
			return replayed, nil
		}
	}
	return envelope.Envelope{}, ErrNotFound
}

func (s *MemoryStore) Close() error {
	return nil
}
