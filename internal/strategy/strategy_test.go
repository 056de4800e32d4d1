package strategy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oriys/inboxrt/internal/config"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/handler"
	"github.com/oriys/inboxrt/internal/storage"
)

func testConfig(name string, typ config.StrategyType) config.InboxConfig {
	cfg := config.InboxConfig{
		Name:              name,
		Type:              typ,
		PollInterval:      5 * time.Millisecond,
		BatchSize:         4,
		VisibilityTimeout: time.Second,
		MaxAttempts:       3,
		Concurrency:       4,
	}
	cfg.Defaults()
	return cfg
}

// runUntil starts s.Run, waits until cond reports true (polling every
// millisecond, up to timeout), then stops the strategy and waits for
// Run to return.
func runUntil(t *testing.T, s Strategy, cond func() bool, timeout time.Duration) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), stop)
		close(done)
	}()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("strategy did not stop within the grace window")
	}
}

func TestDefaultAcksSuccessfulHandler(t *testing.T) {
	p := storage.NewMemoryProvider(nil, nil)
	ctx := context.Background()
	if _, err := p.Enqueue(ctx, envelope.Envelope{ID: "msg-1", Payload: []byte("x")}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	var handled []string
	h := handler.HandlerFunc(func(_ context.Context, msg envelope.Envelope) handler.Result {
		mu.Lock()
		handled = append(handled, msg.ID)
		mu.Unlock()
		return handler.Ok()
	})

	s := NewDefault(testConfig("orders", config.StrategyDefault), p, h, nil, nil, nil, nil)
	runUntil(t, s, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, time.Second)

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", stats.Succeeded)
	}
}

func TestDefaultDeadLettersNonRetryableFailure(t *testing.T) {
	p := storage.NewMemoryProvider(nil, nil)
	ctx := context.Background()
	if _, err := p.Enqueue(ctx, envelope.Envelope{ID: "msg-1"}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h := handler.HandlerFunc(func(_ context.Context, _ envelope.Envelope) handler.Result {
		return handler.FailNonRetryable("poison")
	})

	s := NewDefault(testConfig("orders-poison", config.StrategyDefault), p, h, nil, nil, nil, nil)
	runUntil(t, s, func() bool {
		stats, _ := p.Stats(ctx)
		return stats.DeadLettered == 1
	}, time.Second)

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DeadLettered != 1 {
		t.Fatalf("dead-lettered = %d, want 1", stats.DeadLettered)
	}
}

func TestBatchedResolvesPartialFailureIndependently(t *testing.T) {
	p := storage.NewMemoryProvider(nil, nil)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("msg-%d", i)
		if _, err := p.Enqueue(ctx, envelope.Envelope{ID: id}, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	h := handler.BatchHandlerFunc(func(_ context.Context, msgs []envelope.Envelope) []handler.Result {
		results := make([]handler.Result, len(msgs))
		for i, m := range msgs {
			if m.ID == "msg-1" {
				results[i] = handler.FailNonRetryable("boom")
			} else {
				results[i] = handler.Ok()
			}
		}
		return results
	})

	s := NewBatched(testConfig("orders-batch", config.StrategyBatched), p, h, nil, nil, nil, nil)
	runUntil(t, s, func() bool {
		stats, _ := p.Stats(ctx)
		return stats.Succeeded+stats.DeadLettered == 2
	}, time.Second)

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != 1 || stats.DeadLettered != 1 {
		t.Fatalf("stats = %+v, want 1 succeeded + 1 dead-lettered", stats)
	}
}

func TestFifoProcessesGroupInOrder(t *testing.T) {
	p := storage.NewMemoryProvider(nil, nil)
	ctx := context.Background()
	if _, err := p.Enqueue(ctx, envelope.Envelope{ID: "msg-1", GroupID: "order-1", Seq: 1}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Enqueue(ctx, envelope.Envelope{ID: "msg-2", GroupID: "order-1", Seq: 2}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	var order []string
	h := handler.HandlerFunc(func(_ context.Context, msg envelope.Envelope) handler.Result {
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		return handler.Ok()
	})

	s := NewFifo(testConfig("orders-fifo", config.StrategyFifo), p, h, nil, nil, nil, nil)
	runUntil(t, s, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "msg-1" || order[1] != "msg-2" {
		t.Fatalf("order = %v, want [msg-1 msg-2]", order)
	}
}

func TestFifoBatchedBlocksMessagesBehindAFailure(t *testing.T) {
	p := storage.NewMemoryProvider(nil, nil)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		id := fmt.Sprintf("msg-%d", i)
		if _, err := p.Enqueue(ctx, envelope.Envelope{ID: id, GroupID: "order-3", Seq: i}, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	attempts := map[string]int{}
	h := handler.BatchHandlerFunc(func(_ context.Context, msgs []envelope.Envelope) []handler.Result {
		results := make([]handler.Result, len(msgs))
		for i, m := range msgs {
			mu.Lock()
			attempts[m.ID]++
			n := attempts[m.ID]
			mu.Unlock()
			if m.ID == "msg-2" && n == 1 {
				results[i] = handler.Fail("transient")
			} else {
				results[i] = handler.Ok()
			}
		}
		return results
	})

	s := NewFifoBatched(testConfig("orders-fifo-batched", config.StrategyFifoBatched), p, h, nil, nil, nil, nil)
	runUntil(t, s, func() bool {
		stats, _ := p.Stats(ctx)
		return stats.Succeeded == 3
	}, 2*time.Second)

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3", stats.Succeeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts["msg-1"] != 1 {
		t.Fatalf("msg-1 attempts = %d, want exactly 1 (never blocked, never fails)", attempts["msg-1"])
	}
	if attempts["msg-2"] < 2 {
		t.Fatalf("msg-2 attempts = %d, want at least 2 (retried after the transient failure)", attempts["msg-2"])
	}
}
