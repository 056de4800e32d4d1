package inboxrt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/storage"
)

// pausableProvider decorates a storage.Provider so an operator can
// pause an inbox — stop leasing new work while leaving in-flight
// leases alone — without tearing down the inbox's lifecycle, mirroring
// the teacher's cached "globally paused" check in
// asyncqueue.WorkerPool.isGloballyPaused. Enqueue, Acknowledge, Nack,
// Extend, Peek, PurgeExpired, and Stats are unaffected by pause: only
// the two lease operations are gated.
type pausableProvider struct {
	storage.Provider
	paused atomic.Bool
}

func newPausableProvider(p storage.Provider) *pausableProvider {
	return &pausableProvider{Provider: p}
}

func (p *pausableProvider) setPaused(v bool) { p.paused.Store(v) }

func (p *pausableProvider) isPaused() bool { return p.paused.Load() }

func (p *pausableProvider) LeaseBatch(ctx context.Context, max int, vt time.Duration, fifo bool) ([]envelope.Envelope, error) {
	if p.paused.Load() {
		return nil, nil
	}
	return p.Provider.LeaseBatch(ctx, max, vt, fifo)
}

func (p *pausableProvider) LeaseGroupBatch(ctx context.Context, max int, vt time.Duration) ([]envelope.Envelope, error) {
	if p.paused.Load() {
		return nil, nil
	}
	return p.Provider.LeaseGroupBatch(ctx, max, vt)
}
