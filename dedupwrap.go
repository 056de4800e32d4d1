package inboxrt

import (
	"context"
	"time"

	"github.com/oriys/inboxrt/internal/dedup"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/storage"
)

// dedupProvider decorates a storage.Provider that does not check
// dedup internally (sqlprovider and redisprovider both document that
// the dedup decision is composed by the caller before Enqueue) with a
// dedup.Store consulted on every Enqueue, matching the check
// storage.MemoryProvider already performs inline.
type dedupProvider struct {
	storage.Provider
	dedup dedup.Store
}

func withDedup(p storage.Provider, d dedup.Store) storage.Provider {
	return &dedupProvider{Provider: p, dedup: d}
}

func (p *dedupProvider) Enqueue(ctx context.Context, env envelope.Envelope, dedupTTL time.Duration) (storage.EnqueueOutcome, error) {
	if env.DedupKey != "" && dedupTTL > 0 {
		res, err := p.dedup.TryMark(ctx, env.DedupKey, dedupTTL)
		if err != nil {
			return storage.Accepted, err
		}
		if res == dedup.Duplicate {
			return storage.DedupHit, nil
		}
	}
	return p.Provider.Enqueue(ctx, env, dedupTTL)
}

func (p *dedupProvider) Close() error {
	providerErr := p.Provider.Close()
	dedupErr := p.dedup.Close()
	if providerErr != nil {
		return providerErr
	}
	return dedupErr
}
