package sqlprovider

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/storage"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	dsn := os.Getenv("INBOXRT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("INBOXRT_TEST_PG_DSN not set, skipping Postgres-backed test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}

	table := "inboxrt_test_orders"
	pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
	p, err := New(ctx, pool, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		pool.Close()
	})
	return p
}

func TestProviderEnqueueAndLease(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	env := envelope.Envelope{ID: envelope.NewID(), Payload: []byte("hello")}
	out, err := p.Enqueue(ctx, env, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out.String() != "accepted" {
		t.Fatalf("Enqueue outcome = %v, want accepted", out)
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

func TestProviderNackDeadLetters(t *testing.T) {
	p := newTestProvider(t)
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
