package strategy

import (
	"context"
	"math"
	"time"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/circuitbreaker"
	"github.com/oriys/inboxrt/internal/config"
	"github.com/oriys/inboxrt/internal/deadletter"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/handler"
	"github.com/oriys/inboxrt/internal/metrics"
	"github.com/oriys/inboxrt/internal/queue"
	"github.com/oriys/inboxrt/internal/storage"
)

// blockedReason marks a fifo-batched message that comes after a failed
// message in the same contiguous lease: whatever the handler reported
// for it, its result is discarded so it is retried behind the failure.
const blockedReason = "blocked by earlier failure in fifo batch"

// immediateRetry makes a blocked message visible again right away
// instead of waiting out the inbox's normal backoff policy, since it
// did not fail on its own merits.
var immediateRetry = backoff.Policy{Initial: time.Millisecond, Multiplier: 1.01, Cap: time.Millisecond}

// FifoBatched leases a contiguous, ascending-sequence run from one
// FIFO group per tick and dispatches it as a batch. A failure part way
// through the run blocks every message behind it: those are nacked
// with near-zero backoff and are never dead-lettered for being blocked
// (each lease still increments their attempt count), so the whole
// remaining run is retried in order on the next lease of the group,
// rather than being processed out of sequence.
type FifoBatched struct {
	base
	handler handler.BatchHandler
}

// NewFifoBatched builds the FifoBatched strategy for one inbox.
func NewFifoBatched(cfg config.InboxConfig, provider storage.Provider, h handler.BatchHandler, dlq deadletter.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, notifier queue.Notifier) *FifoBatched {
	return &FifoBatched{base: newBase(cfg, provider, dlq, breaker, m, notifier), handler: h}
}

// Run implements Strategy (and lifecycle.Runner).
func (s *FifoBatched) Run(ctx context.Context, stop <-chan struct{}) {
	s.loop(ctx, stop, s.tick)
}

func (s *FifoBatched) tick(ctx context.Context) bool {
	var envs []envelope.Envelope
	err := s.guard(func() error {
		leased, err := s.provider.LeaseGroupBatch(ctx, s.cfg.BatchSize, s.cfg.VisibilityTimeout)
		envs = leased
		return err
	})
	if err != nil {
		s.logLeaseError(err)
		return false
	}
	if len(envs) == 0 {
		return false
	}

	start := time.Now()
	results := s.handler.HandleBatch(ctx, envs)

	blocked := false
	for i, env := range envs {
		var result handler.Result
		switch {
		case blocked:
			result = handler.Fail(blockedReason)
		case i < len(results):
			result = results[i]
		default:
			result = handler.Fail("batch handler returned fewer results than messages")
		}
		s.metrics.RecordDispatch(s.cfg.Name, outcomeLabel(result), time.Since(start))
		if !result.Success {
			blocked = true
		}
		s.resolveOrdered(ctx, env, result)
	}
	return len(envs) >= s.cfg.BatchSize
}

// resolveOrdered is base.resolve, except a blocked message is always
// rescheduled immediately and never dead-lettered for having been
// blocked.
func (s *FifoBatched) resolveOrdered(ctx context.Context, env envelope.Envelope, result handler.Result) {
	if result.Reason != blockedReason {
		s.resolve(ctx, env, result)
		return
	}

	updated, dead, err := s.provider.Nack(ctx, env.ID, env.Lease, storage.ErrorInfo{Reason: result.Reason}, math.MaxInt32, immediateRetry)
	if err != nil {
		s.log.Error("nack failed", "envelope", env.ID, "error", err)
		return
	}
	if dead {
		// math.MaxInt32 attempts should never exhaust in practice;
		// handle it defensively all the same.
		s.deadLetter(ctx, updated, result.Reason)
	}
}
