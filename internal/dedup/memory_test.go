package dedup

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreTryMarkFreshThenDuplicate(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	res, err := s.TryMark(ctx, "order-1", time.Minute)
	if err != nil {
		t.Fatalf("TryMark: %v", err)
	}
	if res != Fresh {
		t.Fatalf("first TryMark = %v, want Fresh", res)
	}

	res, err = s.TryMark(ctx, "order-1", time.Minute)
	if err != nil {
		t.Fatalf("TryMark: %v", err)
	}
	if res != Duplicate {
		t.Fatalf("second TryMark = %v, want Duplicate", res)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	if res, err := s.TryMark(ctx, "order-2", time.Millisecond); err != nil || res != Fresh {
		t.Fatalf("first TryMark = %v, %v", res, err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := s.TryMark(ctx, "order-2", time.Minute)
	if err != nil {
		t.Fatalf("TryMark: %v", err)
	}
	if res != Fresh {
		t.Fatalf("TryMark after expiry = %v, want Fresh", res)
	}
}

func TestMemoryStorePurge(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.TryMark(ctx, "order-3", time.Millisecond); err != nil {
		t.Fatalf("TryMark: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := s.Purge(ctx, time.Now()); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	s.mu.Lock()
	_, exists := s.entries["order-3"]
	s.mu.Unlock()
	if exists {
		t.Fatal("expected expired entry to be purged")
	}
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
