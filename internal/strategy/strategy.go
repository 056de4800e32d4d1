// Package strategy implements the four processing loop shapes an
// inbox can run (spec.md §4.2): Default, Batched, Fifo, and
// FifoBatched. Each strategy polls its storage.Provider, dispatches
// leased envelopes to an application handler, and resolves the
// outcome (ack, retry, or dead-letter). The shared loop skeleton
// mirrors the teacher's async worker pool poller
// (internal/asyncqueue/worker.go: ticker + notifier select, drain
// while batches come back full), collapsed to one goroutine per
// inbox since every strategy here runs at a single, static
// concurrency — there is no elastic worker/poller management.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oriys/inboxrt/internal/circuitbreaker"
	"github.com/oriys/inboxrt/internal/config"
	"github.com/oriys/inboxrt/internal/deadletter"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/handler"
	"github.com/oriys/inboxrt/internal/logging"
	"github.com/oriys/inboxrt/internal/metrics"
	"github.com/oriys/inboxrt/internal/queue"
	"github.com/oriys/inboxrt/internal/storage"
)

// Strategy is a single inbox's processing loop. It satisfies
// lifecycle.Runner without this package importing lifecycle, avoiding
// a cycle (lifecycle.Manager registers a Strategy as a Runner).
type Strategy interface {
	Run(ctx context.Context, stop <-chan struct{})
}

// errBreakerOpen marks a tick that was skipped because the storage
// circuit breaker is tripped; it is not logged as a processing error.
var errBreakerOpen = errors.New("strategy: circuit breaker open")

// base holds the dependencies every strategy shares: the storage
// provider it polls and guards with a circuit breaker, the
// dead-letter store fed on terminal failure, and the metrics/logging/
// notification plumbing common to all four loop shapes.
type base struct {
	cfg      config.InboxConfig
	provider storage.Provider
	dlq      deadletter.Store
	breaker  *circuitbreaker.Breaker
	metrics  *metrics.Metrics
	notifier queue.Notifier
	log      *slog.Logger
}

func newBase(cfg config.InboxConfig, provider storage.Provider, dlq deadletter.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, notifier queue.Notifier) base {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return base{
		cfg:      cfg,
		provider: provider,
		dlq:      dlq,
		breaker:  breaker,
		metrics:  m,
		notifier: notifier,
		log:      logging.OpFor(cfg.Name),
	}
}

// sleep blocks for d or until stop fires, reporting whether stop won.
func sleep(stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return true
	case <-t.C:
		return false
	}
}

// loop drives tick on a ticker plus push notifications until stop
// fires, at the four suspension points every strategy observes:
// storage poll (here), handler dispatch and ack/nack (inside tick),
// and backoff sleep (the ticker wait itself). tick reports whether it
// found work; a full tick is drained immediately instead of waiting
// for the next interval, mirroring the teacher's pollBatch drain
// behavior.
func (b base) loop(ctx context.Context, stop <-chan struct{}, tick func(ctx context.Context) bool) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	notifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	notifyCh := b.notifier.Subscribe(notifyCtx, queue.InboxName(b.cfg.Name))

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.drain(ctx, stop, tick)
		case <-notifyCh:
			b.drain(ctx, stop, tick)
		}
	}
}

func (b base) drain(ctx context.Context, stop <-chan struct{}, tick func(ctx context.Context) bool) {
	for tick(ctx) {
		select {
		case <-stop:
			return
		default:
		}
	}
}

// guard runs fn unless the circuit breaker is open, recording the
// outcome and updating the breaker-open gauge.
func (b base) guard(fn func() error) error {
	if b.breaker != nil && !b.breaker.Allow() {
		b.metrics.SetBreakerOpen(b.cfg.Name, true)
		return errBreakerOpen
	}
	err := fn()
	if b.breaker != nil {
		if err != nil {
			b.breaker.RecordFailure()
		} else {
			b.breaker.RecordSuccess()
		}
		b.metrics.SetBreakerOpen(b.cfg.Name, b.breaker.State() == circuitbreaker.StateOpen)
	}
	return err
}

func (b base) logLeaseError(err error) {
	if errors.Is(err, errBreakerOpen) {
		return
	}
	b.log.Error("lease failed", "error", err)
}

// deadLetter appends a permanently-failed envelope to the dead-letter
// store, logging rather than failing the strategy loop on append error.
func (b base) deadLetter(ctx context.Context, env envelope.Envelope, reason string) {
	b.metrics.RecordDeadLetter(b.cfg.Name)
	if b.dlq == nil {
		return
	}
	if err := b.dlq.Append(ctx, b.cfg.Name, env, reason, env.Attempt); err != nil {
		b.log.Error("dead-letter append failed", "envelope", env.ID, "error", err)
	}
}

// resolve acks or nacks env per a handler Result, using the inbox's
// configured max attempts and backoff policy. Shared by Default,
// Batched, and Fifo; FifoBatched overrides this to special-case
// messages blocked by an earlier failure in the same lease.
func (b base) resolve(ctx context.Context, env envelope.Envelope, result handler.Result) {
	if result.Success {
		if err := b.provider.Acknowledge(ctx, env.ID, env.Lease); err != nil {
			b.log.Error("acknowledge failed", "envelope", env.ID, "error", err)
		}
		return
	}

	maxAttempts := b.cfg.MaxAttempts
	if !result.Retryable {
		// A non-retryable failure dead-letters on this attempt,
		// regardless of how many attempts remain.
		maxAttempts = env.Attempt
	}
	updated, dead, err := b.provider.Nack(ctx, env.ID, env.Lease, storage.ErrorInfo{Reason: result.Reason}, maxAttempts, b.cfg.Backoff.Policy())
	if err != nil {
		b.log.Error("nack failed", "envelope", env.ID, "error", err)
		return
	}
	if dead {
		b.deadLetter(ctx, updated, result.Reason)
		return
	}
	b.metrics.RecordRetry(b.cfg.Name)
}

func outcomeLabel(r handler.Result) string {
	switch {
	case r.Success:
		return "success"
	case r.Retryable:
		return "retry"
	default:
		return "failed"
	}
}

// dispatchGroup runs envs concurrently through h, each resolved
// independently, and waits for all of them to finish. Used by Fifo,
// where the storage provider already guarantees at most one envelope
// per group so concurrent dispatch never races within a group.
func dispatchGroup(ctx context.Context, envs []envelope.Envelope, h handler.Handler, resolve func(context.Context, envelope.Envelope, handler.Result), record func(handler.Result, time.Duration)) {
	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func(env envelope.Envelope) {
			defer wg.Done()
			start := time.Now()
			result := h.Handle(ctx, env)
			record(result, time.Since(start))
			resolve(ctx, env, result)
		}(env)
	}
	wg.Wait()
}
