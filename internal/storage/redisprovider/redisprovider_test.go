package redisprovider

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/storage"
)

func newTestProvider(t *testing.T, name string) *Provider {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(context.Background())
	t.Cleanup(func() { client.Close() })
	return New(client, name)
}

func TestProviderEnqueueAndLease(t *testing.T) {
	p := newTestProvider(t, "orders")
	ctx := context.Background()

	env := envelope.Envelope{ID: envelope.NewID(), Payload: []byte("hello")}
	out, err := p.Enqueue(ctx, env, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != storage.Accepted {
		t.Fatalf("Enqueue outcome = %v, want Accepted", out)
	}

	leased, err := p.LeaseBatch(ctx, 1, time.Second, false)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != env.ID {
		t.Fatalf("leased = %+v, want one envelope with id %s", leased, env.ID)
	}

	if err := p.Acknowledge(ctx, leased[0].ID, leased[0].Lease); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
}

func TestProviderFifoGroupLock(t *testing.T) {
	p := newTestProvider(t, "orders-fifo")
	ctx := context.Background()

	a := envelope.Envelope{ID: envelope.NewID(), GroupID: "order-1", Seq: 1, Payload: []byte("a")}
	b := envelope.Envelope{ID: envelope.NewID(), GroupID: "order-1", Seq: 2, Payload: []byte("b")}
	if _, err := p.Enqueue(ctx, a, 0); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if _, err := p.Enqueue(ctx, b, 0); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	leased, err := p.LeaseBatch(ctx, 5, time.Second, true)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != a.ID {
		t.Fatalf("leased = %+v, want only the first group message", leased)
	}
}

func TestProviderNackDeadLetters(t *testing.T) {
	p := newTestProvider(t, "orders-dlq")
	ctx := context.Background()
	policy := backoff.Policy{Initial: time.Millisecond, Multiplier: 2, Cap: time.Second}

	env := envelope.Envelope{ID: envelope.NewID(), Payload: []byte("hello")}
	if _, err := p.Enqueue(ctx, env, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := p.LeaseBatch(ctx, 1, time.Second, false)
	if err != nil || len(leased) != 1 {
		t.Fatalf("LeaseBatch = %v, %v", leased, err)
	}

	_, dlq, err := p.Nack(ctx, leased[0].ID, leased[0].Lease, storage.ErrorInfo{Reason: "boom"}, 1, policy)
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if !dlq {
		t.Fatal("expected dead-letter on first attempt with maxAttempts=1")
	}
}
