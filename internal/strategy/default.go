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

// Default leases one envelope at a time and dispatches it to a
// single-message Handler. It is the simplest of the four strategies:
// no batching, no FIFO ordering.
type Default struct {
	base
	handler handler.Handler
}

// NewDefault builds the Default strategy for one inbox.
func NewDefault(cfg config.InboxConfig, provider storage.Provider, h handler.Handler, dlq deadletter.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, notifier queue.Notifier) *Default {
	return &Default{base: newBase(cfg, provider, dlq, breaker, m, notifier), handler: h}
}

// Run implements Strategy (and lifecycle.Runner).
func (d *Default) Run(ctx context.Context, stop <-chan struct{}) {
	d.loop(ctx, stop, d.tick)
}

func (d *Default) tick(ctx context.Context) bool {
	var envs []envelope.Envelope
	err := d.guard(func() error {
		leased, err := d.provider.LeaseBatch(ctx, 1, d.cfg.VisibilityTimeout, false)
		envs = leased
		return err
	})
	if err != nil {
		d.logLeaseError(err)
		return false
	}
	if len(envs) == 0 {
		return false
	}

	env := envs[0]
	start := time.Now()
	result := d.handler.Handle(ctx, env)
	d.metrics.RecordDispatch(d.cfg.Name, outcomeLabel(result), time.Since(start))
	d.resolve(ctx, env, result)
	return true
}
