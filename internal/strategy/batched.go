package strategy

import (
	"context"
	"time"

	"github.com/oriys/inboxrt/internal/circuitbreaker"
	"github.com/oriys/inboxrt/internal/config"
	"github.com/oriys/inboxrt/internal/deadletter"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/handler"
	"github.com/oriys/inboxrt/internal/metrics"
	"github.com/oriys/inboxrt/internal/queue"
	"github.com/oriys/inboxrt/internal/storage"
)

// Batched leases up to BatchSize envelopes per tick and dispatches
// them together to a BatchHandler, resolving each envelope's outcome
// independently: partial batch failure is expected and does not imply
// the rest of the batch failed.
type Batched struct {
	base
	handler handler.BatchHandler
}

// NewBatched builds the Batched strategy for one inbox.
func NewBatched(cfg config.InboxConfig, provider storage.Provider, h handler.BatchHandler, dlq deadletter.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, notifier queue.Notifier) *Batched {
	return &Batched{base: newBase(cfg, provider, dlq, breaker, m, notifier), handler: h}
}

// Run implements Strategy (and lifecycle.Runner).
func (s *Batched) Run(ctx context.Context, stop <-chan struct{}) {
	s.loop(ctx, stop, s.tick)
}

func (s *Batched) tick(ctx context.Context) bool {
	var envs []envelope.Envelope
	err := s.guard(func() error {
		leased, err := s.provider.LeaseBatch(ctx, s.cfg.BatchSize, s.cfg.VisibilityTimeout, false)
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
	for i, env := range envs {
		var result handler.Result
		if i < len(results) {
			result = results[i]
		} else {
			result = handler.Fail("batch handler returned fewer results than messages")
		}
		s.metrics.RecordDispatch(s.cfg.Name, outcomeLabel(result), time.Since(start))
		s.resolve(ctx, env, result)
	}
	// A full batch signals there may be more work waiting; drain
	// immediately rather than waiting for the next tick.
	return len(envs) >= s.cfg.BatchSize
}
