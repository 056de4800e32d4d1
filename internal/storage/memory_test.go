package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/envelope"
)

func newEnv(id, group string, seq int64) envelope.Envelope {
	return envelope.Envelope{
		ID:      id,
		GroupID: group,
		Seq:     seq,
		Payload: []byte("payload-" + id),
	}
}

func TestMemoryProviderEnqueueDuplicateID(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	env := newEnv("msg-1", "", 0)
	out, err := p.Enqueue(ctx, env, 0)
	if err != nil || out != Accepted {
		t.Fatalf("first enqueue = %v, %v", out, err)
	}
	out, err = p.Enqueue(ctx, env, 0)
	if err != nil || out != DuplicateID {
		t.Fatalf("second enqueue = %v, %v, want DuplicateID", out, err)
	}
}

func TestMemoryProviderEnqueueDedupHit(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	a := newEnv("msg-1", "", 0)
	a.DedupKey = "order-42"
	b := newEnv("msg-2", "", 0)
	b.DedupKey = "order-42"

	out, err := p.Enqueue(ctx, a, time.Minute)
	if err != nil || out != Accepted {
		t.Fatalf("first enqueue = %v, %v", out, err)
	}
	out, err = p.Enqueue(ctx, b, time.Minute)
	if err != nil || out != DedupHit {
		t.Fatalf("second enqueue = %v, %v, want DedupHit", out, err)
	}
}

func TestMemoryProviderLeaseAckCycle(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, newEnv("msg-1", "", 0), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := p.LeaseBatch(ctx, 1, time.Second, false)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("leased = %d, want 1", len(leased))
	}
	if leased[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", leased[0].Attempt)
	}

	// Not visible again until the lease expires.
	if again, _ := p.LeaseBatch(ctx, 1, time.Second, false); len(again) != 0 {
		t.Fatalf("expected no envelopes visible while leased, got %d", len(again))
	}

	if err := p.Acknowledge(ctx, leased[0].ID, leased[0].Lease); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := p.Acknowledge(ctx, leased[0].ID, leased[0].Lease); err != ErrLeaseExpired {
		t.Fatalf("second Acknowledge = %v, want ErrLeaseExpired", err)
	}
}

func TestMemoryProviderNackRetryThenDeadLetter(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()
	policy := backoff.Policy{Initial: time.Millisecond, Multiplier: 2, Cap: time.Second}

	if _, err := p.Enqueue(ctx, newEnv("msg-1", "", 0), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		leased, err := p.LeaseBatch(ctx, 1, time.Second, false)
		if err != nil || len(leased) != 1 {
			t.Fatalf("attempt %d: LeaseBatch = %v, %v", attempt, leased, err)
		}
		env, dlq, err := p.Nack(ctx, leased[0].ID, leased[0].Lease, ErrorInfo{Reason: "boom"}, 2, policy)
		if err != nil {
			t.Fatalf("Nack: %v", err)
		}
		if attempt < 2 {
			if dlq {
				t.Fatalf("attempt %d: expected retry, got dead-letter", attempt)
			}
			// Force the envelope visible immediately for the next loop.
			p.mu.Lock()
			p.records[env.ID].NextVisibleAt = time.Time{}
			p.mu.Unlock()
		} else {
			if !dlq {
				t.Fatalf("attempt %d: expected dead-letter", attempt)
			}
			if env.State != envelope.StateDeadLettered {
				t.Fatalf("state = %v, want DeadLettered", env.State)
			}
		}
	}
}

func TestMemoryProviderFifoOrdering(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, newEnv("msg-1", "order-1", 1), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Enqueue(ctx, newEnv("msg-2", "order-1", 2), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := p.LeaseBatch(ctx, 5, time.Second, true)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != "msg-1" {
		t.Fatalf("leased = %+v, want only msg-1 (group locked)", leased)
	}

	if err := p.Acknowledge(ctx, leased[0].ID, leased[0].Lease); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	leased, err = p.LeaseBatch(ctx, 5, time.Second, true)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != "msg-2" {
		t.Fatalf("leased = %+v, want msg-2 after msg-1 acked", leased)
	}
}

func TestMemoryProviderFifoParallelGroups(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, newEnv("a-1", "group-a", 1), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Enqueue(ctx, newEnv("b-1", "group-b", 1), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := p.LeaseBatch(ctx, 5, time.Second, true)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("leased = %d, want 2 (independent groups)", len(leased))
	}
}

func TestMemoryProviderLeaseGroupBatch(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := p.Enqueue(ctx, newEnv(fmt.Sprintf("msg-%d", i), "order-1", i), 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	leased, err := p.LeaseGroupBatch(ctx, 2, time.Second)
	if err != nil {
		t.Fatalf("LeaseGroupBatch: %v", err)
	}
	if len(leased) != 2 || leased[0].Seq != 1 || leased[1].Seq != 2 {
		t.Fatalf("leased = %+v, want seq 1 then 2", leased)
	}

	// Group is locked: no more leases until the batch resolves.
	more, err := p.LeaseGroupBatch(ctx, 2, time.Second)
	if err != nil {
		t.Fatalf("LeaseGroupBatch: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("expected group locked, got %d more envelopes", len(more))
	}
}

func TestMemoryProviderPeekAndStats(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, newEnv("msg-1", "", 0), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	peeked, err := p.Peek(ctx, 10)
	if err != nil || len(peeked) != 1 {
		t.Fatalf("Peek = %v, %v", peeked, err)
	}

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Visible != 1 {
		t.Fatalf("Visible = %d, want 1", stats.Visible)
	}
}

func TestMemoryProviderExtend(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, newEnv("msg-1", "", 0), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := p.LeaseBatch(ctx, 1, time.Second, false)
	if err != nil || len(leased) != 1 {
		t.Fatalf("LeaseBatch = %v, %v", leased, err)
	}
	if err := p.Extend(ctx, leased[0].ID, leased[0].Lease, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := p.Extend(ctx, leased[0].ID, "wrong-lease", time.Minute); err != ErrLeaseExpired {
		t.Fatalf("Extend with wrong lease = %v, want ErrLeaseExpired", err)
	}
}
