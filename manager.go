package inboxrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/inboxrt/internal/cache"
	"github.com/oriys/inboxrt/internal/circuitbreaker"
	"github.com/oriys/inboxrt/internal/clock"
	"github.com/oriys/inboxrt/internal/config"
	"github.com/oriys/inboxrt/internal/deadletter"
	"github.com/oriys/inboxrt/internal/dedup"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/handler"
	"github.com/oriys/inboxrt/internal/lifecycle"
	"github.com/oriys/inboxrt/internal/logging"
	"github.com/oriys/inboxrt/internal/metrics"
	"github.com/oriys/inboxrt/internal/queue"
	"github.com/oriys/inboxrt/internal/sanitize"
	"github.com/oriys/inboxrt/internal/storage"
	"github.com/oriys/inboxrt/internal/storage/redisprovider"
	"github.com/oriys/inboxrt/internal/storage/sqlprovider"
	"github.com/oriys/inboxrt/internal/strategy"
)

// Options configures the shared infrastructure a Manager wires into
// every inbox it builds: the Postgres pool and Redis client backing
// sql/redis inboxes, the shared Prometheus registry, and the push
// notifier used to wake sleeping strategy loops on Enqueue.
type Options struct {
	Metrics             *metrics.Metrics
	Notifier            queue.Notifier
	Postgres            *pgxpool.Pool
	PostgresTablePrefix string
	Redis               *redis.Client
	GracePeriod         time.Duration
}

// boundInbox is everything the Manager needs to enqueue into and
// supervise one registered inbox.
type boundInbox struct {
	cfg      config.InboxConfig
	provider *pausableProvider
	dlq      deadletter.Store
}

// Manager is the runtime's single entry point: register inboxes with
// RegisterInbox, then Start to launch every inbox's processing
// strategy and Stop to drain them gracefully (spec.md §4.5, C10).
type Manager struct {
	mu        sync.RWMutex
	registry  *config.Registry
	breakers  *circuitbreaker.Registry
	lifecycle *lifecycle.Manager
	metrics   *metrics.Metrics
	notifier  queue.Notifier
	pg        *pgxpool.Pool
	pgPrefix  string
	redis     *redis.Client
	inboxes   map[string]*boundInbox
	started   bool
}

// NewManager creates a Manager. opts.Postgres/opts.Redis are only
// required if an inbox is later registered with the matching Backend.
func NewManager(opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.Notifier == nil {
		opts.Notifier = queue.NewNoopNotifier()
	}
	if opts.PostgresTablePrefix == "" {
		opts.PostgresTablePrefix = "inbox"
	}
	return &Manager{
		registry:  config.NewRegistry(),
		breakers:  circuitbreaker.NewRegistry(),
		lifecycle: lifecycle.NewManager(opts.GracePeriod),
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		pg:        opts.Postgres,
		pgPrefix:  opts.PostgresTablePrefix,
		redis:     opts.Redis,
		inboxes:   make(map[string]*boundInbox),
	}
}

// RegisterInbox declares a new inbox: validates cfg, builds its
// storage/dedup/dead-letter backends per cfg.Backend (C5), builds the
// strategy matching cfg.Type (C8), and registers it with the
// lifecycle manager (C10). h must implement handler.Handler for
// Default/Fifo inboxes or handler.BatchHandler for Batched/FifoBatched
// inboxes. Must be called before Start; the registry is frozen then.
func (m *Manager) RegisterInbox(ctx context.Context, cfg config.InboxConfig, h any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if err := validateStrategyHandler(cfg.Type, h); err != nil {
		return err
	}
	if err := m.registry.Register(cfg); err != nil {
		return err
	}
	// Re-read: Register applied Defaults() to its own copy.
	cfg, err := m.registry.Get(cfg.Name)
	if err != nil {
		return err
	}

	provider, dlqStore, err := m.buildBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("inbox %s: build backend: %w", cfg.Name, err)
	}
	wrapped := newPausableProvider(provider)
	m.inboxes[cfg.Name] = &boundInbox{cfg: cfg, provider: wrapped, dlq: dlqStore}

	breaker := m.breakers.Get(cfg.Name, cfg.CircuitBreaker.Breaker())
	s := buildStrategy(cfg, wrapped, h, dlqStore, breaker, m.metrics, m.notifier)
	m.lifecycle.Register(cfg.Name, s, nil)
	return nil
}

func buildStrategy(cfg config.InboxConfig, provider storage.Provider, h any, dlq deadletter.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, notifier queue.Notifier) strategy.Strategy {
	switch cfg.Type {
	case config.StrategyDefault:
		return strategy.NewDefault(cfg, provider, h.(handler.Handler), dlq, breaker, m, notifier)
	case config.StrategyBatched:
		return strategy.NewBatched(cfg, provider, h.(handler.BatchHandler), dlq, breaker, m, notifier)
	case config.StrategyFifo:
		return strategy.NewFifo(cfg, provider, h.(handler.Handler), dlq, breaker, m, notifier)
	case config.StrategyFifoBatched:
		return strategy.NewFifoBatched(cfg, provider, h.(handler.BatchHandler), dlq, breaker, m, notifier)
	default:
		// validateStrategyHandler already rejected anything else.
		panic("inboxrt: unreachable strategy type " + string(cfg.Type))
	}
}

// buildBackend constructs the storage provider and dead-letter store
// for one inbox per cfg.Backend. Dedup is handled internally by
// storage.MemoryProvider; sqlprovider and redisprovider document that
// the caller composes dedup, so this wraps them with dedupProvider.
func (m *Manager) buildBackend(ctx context.Context, cfg config.InboxConfig) (storage.Provider, deadletter.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		dedupStore := dedup.NewMemoryStore(time.Minute)
		return storage.NewMemoryProvider(clock.Default, dedupStore), deadletter.NewMemoryStore(), nil

	case config.BackendSQL:
		if m.pg == nil {
			return nil, nil, fmt.Errorf("sql backend requires a Postgres pool")
		}
		table := sanitize.Identifier(m.pgPrefix+"_"+cfg.Name, 63)
		dedupTable := sanitize.Identifier(m.pgPrefix+"_"+cfg.Name+"_dedup", 63)
		dlqTable := sanitize.Identifier(m.pgPrefix+"_"+cfg.Name+"_dlq", 63)

		dedupStore, err := dedup.NewSQLStore(ctx, m.pg, dedupTable)
		if err != nil {
			return nil, nil, fmt.Errorf("dedup store: %w", err)
		}
		provider, err := sqlprovider.New(ctx, m.pg, table)
		if err != nil {
			_ = dedupStore.Close()
			return nil, nil, fmt.Errorf("storage provider: %w", err)
		}
		dlqStore, err := deadletter.NewSQLStore(ctx, m.pg, dlqTable)
		if err != nil {
			_ = dedupStore.Close()
			_ = provider.Close()
			return nil, nil, fmt.Errorf("dead-letter store: %w", err)
		}
		return withDedup(provider, dedupStore), dlqStore, nil

	case config.BackendRedis:
		if m.redis == nil {
			return nil, nil, fmt.Errorf("redis backend requires a Redis client")
		}
		dedupCache := cache.NewRedisCacheFromClient(m.redis, "inbox:"+cfg.Name+":dedup")
		dedupStore := dedup.NewRedisStore(dedupCache)
		provider := redisprovider.New(m.redis, cfg.Name)
		// No Redis-backed dead-letter implementation exists (spec.md
		// §6 defines Redis keys for the live queue only); dead letters
		// for a Redis-backed inbox are kept in-process.
		return withDedup(provider, dedupStore), deadletter.NewMemoryStore(), nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// Start freezes the configuration registry and launches every
// registered inbox's processing strategy.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.registry.Freeze()
	m.mu.Unlock()

	logging.Op().Info("inbox manager starting", "inboxes", m.registry.Names())
	return m.lifecycle.Start(ctx)
}

// Stop signals every inbox's stop token, waits for in-flight
// dispatches to drain (up to the configured grace period), then
// releases each inbox's storage/dead-letter resources. A memory-backed
// inbox's dedup sweeper goroutine is stopped here; a redis-backed
// inbox's provider is left open since it shares opts.Redis with every
// other redis-backed inbox in the process.
func (m *Manager) Stop(ctx context.Context) error {
	stopErr := m.lifecycle.Stop(ctx)

	m.mu.RLock()
	inboxes := make([]*boundInbox, 0, len(m.inboxes))
	for _, ib := range m.inboxes {
		inboxes = append(inboxes, ib)
	}
	m.mu.RUnlock()

	for _, ib := range inboxes {
		if ib.cfg.Backend == config.BackendRedis {
			continue
		}
		if err := ib.provider.Close(); err != nil {
			logging.OpFor(ib.cfg.Name).Warn("close storage provider", "error", err)
		}
		if err := ib.dlq.Close(); err != nil {
			logging.OpFor(ib.cfg.Name).Warn("close dead-letter store", "error", err)
		}
	}
	return stopErr
}

// Enqueue appends env to the named inbox's queue, honoring dedup per
// the inbox's configured DedupTTL. Returns InboxUnknown if name was
// never registered.
func (m *Manager) Enqueue(ctx context.Context, name string, env envelope.Envelope) (Outcome, error) {
	m.mu.RLock()
	ib, ok := m.inboxes[name]
	m.mu.RUnlock()
	if !ok {
		return InboxUnknown, nil
	}

	out, err := ib.provider.Enqueue(ctx, env, ib.cfg.DedupTTL)
	if err != nil {
		return Accepted, err
	}
	switch out {
	case storage.DuplicateID:
		return DuplicateID, nil
	case storage.DedupHit:
		m.metrics.RecordDedupHit(name)
		return DedupHit, nil
	default:
		_ = m.notifier.Notify(ctx, queue.InboxName(name))
		return Accepted, nil
	}
}

// Pause stops an inbox from leasing new work while leaving in-flight
// leases to resolve normally. Returns false if name is not registered.
func (m *Manager) Pause(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ib, ok := m.inboxes[name]
	if !ok {
		return false
	}
	ib.provider.setPaused(true)
	return true
}

// Resume undoes Pause. Returns false if name is not registered.
func (m *Manager) Resume(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ib, ok := m.inboxes[name]
	if !ok {
		return false
	}
	ib.provider.setPaused(false)
	return true
}

// DeadLetters returns the dead-letter store backing name, for paged
// query and replay. Returns nil if name is not registered.
func (m *Manager) DeadLetters(name string) deadletter.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ib, ok := m.inboxes[name]
	if !ok {
		return nil
	}
	return ib.dlq
}

// Stats returns the current queue composition for name.
func (m *Manager) Stats(ctx context.Context, name string) (storage.Stats, error) {
	m.mu.RLock()
	ib, ok := m.inboxes[name]
	m.mu.RUnlock()
	if !ok {
		return storage.Stats{}, fmt.Errorf("%w: %s", config.ErrUnknownInbox, name)
	}
	return ib.provider.Stats(ctx)
}

// Replay re-enqueues a dead-lettered envelope by id, resetting its
// attempt count.
func (m *Manager) Replay(ctx context.Context, name string, id string) (Outcome, error) {
	m.mu.RLock()
	ib, ok := m.inboxes[name]
	m.mu.RUnlock()
	if !ok {
		return InboxUnknown, nil
	}
	env, err := ib.dlq.Replay(ctx, name, id)
	if err != nil {
		return Accepted, err
	}
	return m.Enqueue(ctx, name, env)
}
