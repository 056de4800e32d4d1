package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/clock"
	"github.com/oriys/inboxrt/internal/dedup"
	"github.com/oriys/inboxrt/internal/envelope"
)

// MemoryProvider is the in-memory reference implementation of
// Provider. FIFO group locking is a keyed mutex (spec.md §4.1): a
// group is locked whenever one of its envelopes is currently leased.
type MemoryProvider struct {
	mu           sync.Mutex
	clk          clock.Clock
	dedup        dedup.Store
	records      map[string]*envelope.Envelope
	seq          int64 // monotonic enqueue counter, used as a tiebreak
	enqueueOrder map[string]int64
	leasedGroups map[string]bool
}

// NewMemoryProvider creates an empty in-memory provider. dedupStore
// may be nil, in which case an internal dedup.MemoryStore is created.
func NewMemoryProvider(clk clock.Clock, dedupStore dedup.Store) *MemoryProvider {
	if clk == nil {
		clk = clock.Default
	}
	if dedupStore == nil {
		dedupStore = dedup.NewMemoryStore(time.Minute)
	}
	return &MemoryProvider{
		clk:          clk,
		dedup:        dedupStore,
		records:      make(map[string]*envelope.Envelope),
		enqueueOrder: make(map[string]int64),
		leasedGroups: make(map[string]bool),
	}
}

func (p *MemoryProvider) Enqueue(ctx context.Context, env envelope.Envelope, dedupTTL time.Duration) (EnqueueOutcome, error) {
	if env.DedupKey != "" && dedupTTL > 0 {
		res, err := p.dedup.TryMark(ctx, env.DedupKey, dedupTTL)
		if err != nil {
			return Accepted, err
		}
		if res == dedup.Duplicate {
			return DedupHit, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A record with the same id already present but terminal (e.g. a
	// dead-lettered envelope coming back through Replay) is
	// reactivated rather than rejected; only a still-pending duplicate
	// id is refused.
	if existing, exists := p.records[env.ID]; exists {
		if existing.State != envelope.StateSucceeded && existing.State != envelope.StateDeadLettered {
			return DuplicateID, nil
		}
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = p.clk.Now()
	}
	env.State = envelope.StateVisible
	env.Lease = ""
	if env.NextVisibleAt.IsZero() {
		env.NextVisibleAt = env.EnqueuedAt
	}
	cp := env
	p.records[env.ID] = &cp
	p.seq++
	p.enqueueOrder[env.ID] = p.seq
	return Accepted, nil
}

// minPendingSeq returns, for each group, the lowest Seq among
// envelopes not yet terminal (Succeeded or DeadLettered).
func (p *MemoryProvider) minPendingSeq() map[string]int64 {
	mins := make(map[string]int64)
	for _, r := range p.records {
		if r.GroupID == "" {
			continue
		}
		if r.State == envelope.StateSucceeded || r.State == envelope.StateDeadLettered {
			continue
		}
		if cur, ok := mins[r.GroupID]; !ok || r.Seq < cur {
			mins[r.GroupID] = r.Seq
		}
	}
	return mins
}

func (p *MemoryProvider) LeaseBatch(ctx context.Context, max int, vt time.Duration, fifo bool) ([]envelope.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 {
		return nil, nil
	}
	now := p.clk.Now()

	var mins map[string]int64
	if fifo {
		mins = p.minPendingSeq()
	}

	candidates := make([]*envelope.Envelope, 0, len(p.records))
	for _, r := range p.records {
		if r.State != envelope.StateVisible {
			continue
		}
		if !r.Visible(now) {
			continue
		}
		if fifo && r.GroupID != "" {
			if p.leasedGroups[r.GroupID] {
				continue
			}
			if mins[r.GroupID] != r.Seq {
				continue
			}
		}
		candidates = append(candidates, r)
	}

	sortCandidates(candidates, p.enqueueOrder)

	out := make([]envelope.Envelope, 0, max)
	claimedGroups := make(map[string]bool)
	for _, r := range candidates {
		if len(out) >= max {
			break
		}
		if fifo && r.GroupID != "" {
			if claimedGroups[r.GroupID] {
				continue
			}
			claimedGroups[r.GroupID] = true
			p.leasedGroups[r.GroupID] = true
		}
		r.Attempt++
		r.State = envelope.StateLeased
		r.Lease = envelope.NewID()
		r.NextVisibleAt = now.Add(vt)
		out = append(out, *r)
	}
	return out, nil
}

// LeaseGroupBatch picks the earliest-eligible unlocked FIFO group and
// leases up to max of its envelopes as a contiguous ascending-seq
// prefix, locking the group for the duration of the lease.
func (p *MemoryProvider) LeaseGroupBatch(_ context.Context, max int, vt time.Duration) ([]envelope.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 {
		return nil, nil
	}
	now := p.clk.Now()
	mins := p.minPendingSeq()

	// Find the unlocked group whose head message is visible soonest.
	var targetGroup string
	var targetHead *envelope.Envelope
	for _, r := range p.records {
		if r.GroupID == "" || r.State != envelope.StateVisible || !r.Visible(now) {
			continue
		}
		if p.leasedGroups[r.GroupID] || mins[r.GroupID] != r.Seq {
			continue
		}
		if targetHead == nil || less(r, targetHead, p.enqueueOrder) {
			targetGroup = r.GroupID
			targetHead = r
		}
	}
	if targetHead == nil {
		return nil, nil
	}

	// Collect the contiguous ascending-seq run starting at the head
	// that is currently visible, up to max.
	groupRecords := make([]*envelope.Envelope, 0)
	for _, r := range p.records {
		if r.GroupID == targetGroup && r.State == envelope.StateVisible && r.Visible(now) {
			groupRecords = append(groupRecords, r)
		}
	}
	sort.Slice(groupRecords, func(i, j int) bool { return groupRecords[i].Seq < groupRecords[j].Seq })

	p.leasedGroups[targetGroup] = true
	out := make([]envelope.Envelope, 0, max)
	expectedSeq := targetHead.Seq
	for _, r := range groupRecords {
		if len(out) >= max {
			break
		}
		if r.Seq != expectedSeq {
			break
		}
		r.Attempt++
		r.State = envelope.StateLeased
		r.Lease = envelope.NewID()
		r.NextVisibleAt = now.Add(vt)
		out = append(out, *r)
		expectedSeq++
	}
	return out, nil
}

func sortCandidates(candidates []*envelope.Envelope, order map[string]int64) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			a, b := candidates[j-1], candidates[j]
			if !less(a, b, order) {
				break
			}
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}
}

func less(a, b *envelope.Envelope, order map[string]int64) bool {
	if !a.NextVisibleAt.Equal(b.NextVisibleAt) {
		return a.NextVisibleAt.Before(b.NextVisibleAt)
	}
	oa, ob := order[a.ID], order[b.ID]
	if oa != ob {
		return oa < ob
	}
	return a.Seq < b.Seq
}

func (p *MemoryProvider) Acknowledge(_ context.Context, id string, lease string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Lease != lease {
		return ErrLeaseExpired
	}
	r.State = envelope.StateSucceeded
	r.Lease = ""
	if r.GroupID != "" {
		delete(p.leasedGroups, r.GroupID)
	}
	return nil
}

func (p *MemoryProvider) Nack(_ context.Context, id string, lease string, info ErrorInfo, maxAttempts int, policy backoff.Policy) (envelope.Envelope, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[id]
	if !ok {
		return envelope.Envelope{}, false, ErrNotFound
	}
	if r.Lease != lease {
		return envelope.Envelope{}, false, ErrLeaseExpired
	}

	r.LastError = info.Reason
	r.Lease = ""
	if r.GroupID != "" {
		delete(p.leasedGroups, r.GroupID)
	}

	if r.Attempt >= maxAttempts {
		r.State = envelope.StateDeadLettered
		return *r, true, nil
	}

	delay := backoff.Delay(r.Attempt, policy)
	r.State = envelope.StateVisible
	r.NextVisibleAt = p.clk.Now().Add(delay)
	return *r, false, nil
}

func (p *MemoryProvider) Extend(_ context.Context, id string, lease string, additional time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Lease != lease {
		return ErrLeaseExpired
	}
	r.NextVisibleAt = r.NextVisibleAt.Add(additional)
	return nil
}

func (p *MemoryProvider) Peek(_ context.Context, limit int) ([]envelope.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*envelope.Envelope, 0, len(p.records))
	for _, r := range p.records {
		candidates = append(candidates, r)
	}
	sortCandidates(candidates, p.enqueueOrder)

	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]envelope.Envelope, 0, limit)
	for _, r := range candidates[:limit] {
		out = append(out, *r)
	}
	return out, nil
}

func (p *MemoryProvider) PurgeExpired(_ context.Context, olderThan time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int64
	for id, r := range p.records {
		if r.State != envelope.StateSucceeded && r.State != envelope.StateDeadLettered {
			continue
		}
		if r.NextVisibleAt.Before(olderThan) {
			delete(p.records, id)
			delete(p.enqueueOrder, id)
			n++
		}
	}
	return n, nil
}

func (p *MemoryProvider) Stats(_ context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	for _, r := range p.records {
		switch r.State {
		case envelope.StateVisible:
			s.Visible++
		case envelope.StateLeased:
			s.Leased++
		case envelope.StateSucceeded:
			s.Succeeded++
		case envelope.StateDeadLettered:
			s.DeadLettered++
		}
	}
	return s, nil
}

func (p *MemoryProvider) Close() error {
	return p.dedup.Close()
}
