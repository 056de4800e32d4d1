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

// Fifo leases one envelope per FIFO group per tick, up to Concurrency
// groups, and dispatches all of them concurrently. Ordering within a
// group is enforced by the storage provider: it never returns a
// group's next envelope until the prior one has been acked or
// dead-lettered, so concurrent dispatch across groups never races
// within a group.
type Fifo struct {
	base
	handler handler.Handler
}

// NewFifo builds the Fifo strategy for one inbox.
func NewFifo(cfg config.InboxConfig, provider storage.Provider, h handler.Handler, dlq deadletter.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, notifier queue.Notifier) *Fifo {
	return &Fifo{base: newBase(cfg, provider, dlq, breaker, m, notifier), handler: h}
}

// Run implements Strategy (and lifecycle.Runner).
func (s *Fifo) Run(ctx context.Context, stop <-chan struct{}) {
	s.loop(ctx, stop, s.tick)
}

func (s *Fifo) tick(ctx context.Context) bool {
	var envs []envelope.Envelope
	err := s.guard(func() error {
		leased, err := s.provider.LeaseBatch(ctx, s.cfg.Concurrency, s.cfg.VisibilityTimeout, true)
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

	dispatchGroup(ctx, envs, s.handler, s.resolve, func(result handler.Result, d time.Duration) {
		s.metrics.RecordDispatch(s.cfg.Name, outcomeLabel(result), d)
	})
	return true
}
