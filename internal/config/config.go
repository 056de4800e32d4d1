// Package config holds per-inbox configuration and the registry that
// validates and stores it. Mirrors the teacher's JSON-tagged config
// structs with file + environment loading.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/circuitbreaker"
)

// StrategyType selects the processing strategy bound to an inbox.
type StrategyType string

const (
	StrategyDefault     StrategyType = "default"
	StrategyBatched     StrategyType = "batched"
	StrategyFifo        StrategyType = "fifo"
	StrategyFifoBatched StrategyType = "fifo_batched"
)

func (t StrategyType) valid() bool {
	switch t {
	case StrategyDefault, StrategyBatched, StrategyFifo, StrategyFifoBatched:
		return true
	default:
		return false
	}
}

// BackoffConfig is the JSON-friendly mirror of backoff.Policy.
type BackoffConfig struct {
	InitialMS  int64   `json:"initial_ms"`
	Multiplier float64 `json:"multiplier"`
	CapMS      int64   `json:"cap_ms"`
	Jitter     float64 `json:"jitter"`
}

// Policy converts the JSON config into a backoff.Policy.
func (b BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Initial:    time.Duration(b.InitialMS) * time.Millisecond,
		Multiplier: b.Multiplier,
		Cap:        time.Duration(b.CapMS) * time.Millisecond,
		Jitter:     b.Jitter,
	}
}

// CircuitBreakerConfig is the JSON-friendly mirror of
// circuitbreaker.Config. The zero value disables circuit breaking for
// the inbox: circuitbreaker.Registry.Get returns nil whenever
// ErrorPct, WindowMS, or OpenMS is unset, and strategies treat a nil
// breaker as always-allow.
type CircuitBreakerConfig struct {
	ErrorPct       float64 `json:"error_pct"`
	WindowMS       int64   `json:"window_ms"`
	OpenMS         int64   `json:"open_ms"`
	HalfOpenProbes int     `json:"half_open_probes"`
}

// Breaker converts the JSON config into a circuitbreaker.Config.
func (c CircuitBreakerConfig) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorPct:       c.ErrorPct,
		WindowDuration: time.Duration(c.WindowMS) * time.Millisecond,
		OpenDuration:   time.Duration(c.OpenMS) * time.Millisecond,
		HalfOpenProbes: c.HalfOpenProbes,
	}
}

// Backend selects the storage/dedup/dead-letter backend family.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQL    Backend = "sql"
	BackendRedis  Backend = "redis"
)

// InboxConfig is the full per-inbox declaration described in spec.md §6.
// Its four duration fields are time.Duration in Go but milliseconds on
// the wire (MarshalJSON/UnmarshalJSON below convert), the same split
// BackoffConfig uses for its own MS fields.
type InboxConfig struct {
	Name              string
	Type              StrategyType
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	Backoff           BackoffConfig
	DedupTTL          time.Duration
	Backend           Backend
	Concurrency       int // fan-out limit for handler dispatch
	GracePeriod       time.Duration
	CircuitBreaker    CircuitBreakerConfig
}

// inboxConfigJSON is the wire shape of InboxConfig: every duration is
// an integer count of milliseconds, matching BackoffConfig's own
// `_ms`-suffixed fields and spec.md §6's documented JSON shape.
type inboxConfigJSON struct {
	Name                string               `json:"name"`
	Type                StrategyType         `json:"type"`
	PollIntervalMS      int64                `json:"poll_interval_ms"`
	BatchSize           int                  `json:"batch_size"`
	VisibilityTimeoutMS int64                `json:"visibility_timeout_ms"`
	MaxAttempts         int                  `json:"max_attempts"`
	Backoff             BackoffConfig        `json:"backoff"`
	DedupTTLMS          int64                `json:"dedup_ttl_ms"`
	Backend             Backend              `json:"backend"`
	Concurrency         int                  `json:"concurrency"`
	GracePeriodMS       int64                `json:"grace_period_ms"`
	CircuitBreaker      CircuitBreakerConfig `json:"circuit_breaker"`
}

// MarshalJSON encodes duration fields as milliseconds.
func (c InboxConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(inboxConfigJSON{
		Name:                c.Name,
		Type:                c.Type,
		PollIntervalMS:      int64(c.PollInterval / time.Millisecond),
		BatchSize:           c.BatchSize,
		VisibilityTimeoutMS: int64(c.VisibilityTimeout / time.Millisecond),
		MaxAttempts:         c.MaxAttempts,
		Backoff:             c.Backoff,
		DedupTTLMS:          int64(c.DedupTTL / time.Millisecond),
		Backend:             c.Backend,
		Concurrency:         c.Concurrency,
		GracePeriodMS:       int64(c.GracePeriod / time.Millisecond),
		CircuitBreaker:      c.CircuitBreaker,
	})
}

// UnmarshalJSON decodes millisecond integers into time.Duration
// fields; a plain json.Unmarshal without this would otherwise parse
// an intended-millisecond number straight into time.Duration's
// underlying nanosecond int64, producing a busy-spinning poll loop.
func (c *InboxConfig) UnmarshalJSON(data []byte) error {
	var j inboxConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*c = InboxConfig{
		Name:              j.Name,
		Type:              j.Type,
		PollInterval:      time.Duration(j.PollIntervalMS) * time.Millisecond,
		BatchSize:         j.BatchSize,
		VisibilityTimeout: time.Duration(j.VisibilityTimeoutMS) * time.Millisecond,
		MaxAttempts:       j.MaxAttempts,
		Backoff:           j.Backoff,
		DedupTTL:          time.Duration(j.DedupTTLMS) * time.Millisecond,
		Backend:           j.Backend,
		Concurrency:       j.Concurrency,
		GracePeriod:       time.Duration(j.GracePeriodMS) * time.Millisecond,
		CircuitBreaker:    j.CircuitBreaker,
	}
	return nil
}

// Defaults fills zero-valued fields with documented defaults.
func (c *InboxConfig) Defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.InitialMS <= 0 {
		c.Backoff.InitialMS = int64(backoff.DefaultInitial / time.Millisecond)
	}
	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = backoff.DefaultMultiplier
	}
	if c.Backoff.CapMS <= 0 {
		c.Backoff.CapMS = int64(backoff.DefaultCap / time.Millisecond)
	}
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Concurrency <= 0 {
		if c.Type == StrategyFifo || c.Type == StrategyFifoBatched {
			c.Concurrency = 1
		} else {
			c.Concurrency = c.BatchSize
		}
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// Validate checks a fully-defaulted InboxConfig for fatal configuration errors.
func (c *InboxConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: inbox name is required", ErrInvalidConfig)
	}
	if !c.Type.valid() {
		return fmt.Errorf("%w: unknown strategy type %q", ErrInvalidConfig, c.Type)
	}
	return nil
}

// Errors in the Configuration taxonomy of spec.md §7: fatal at startup.
var (
	ErrInvalidConfig      = errors.New("config: invalid inbox configuration")
	ErrDuplicateInboxName = errors.New("config: duplicate inbox name")
	ErrUnknownInbox       = errors.New("config: unknown inbox")
)

// Registry holds per-name inbox configurations. It is immutable after
// Freeze is called by the manager at startup (per spec.md §5).
type Registry struct {
	mu     sync.RWMutex
	byName map[string]InboxConfig
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]InboxConfig)}
}

// Register adds a new inbox configuration, applying defaults and
// validating it. Returns ErrDuplicateInboxName if already registered.
func (r *Registry) Register(cfg InboxConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("config: registry is frozen, cannot register %q", cfg.Name)
	}
	if _, exists := r.byName[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInboxName, cfg.Name)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.byName[cfg.Name] = cfg
	return nil
}

// Freeze marks the registry immutable; called once by the manager on startup.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the configuration for name.
func (r *Registry) Get(name string) (InboxConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byName[name]
	if !ok {
		return InboxConfig{}, fmt.Errorf("%w: %s", ErrUnknownInbox, name)
	}
	return cfg, nil
}

// Names returns all registered inbox names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// File is the top-level JSON document accepted by LoadFromFile: a list
// of inbox configurations plus shared backend connection settings.
type File struct {
	Inboxes  []InboxConfig  `json:"inboxes"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

// PostgresConfig holds the DSN used by sqlprovider-backed inboxes.
type PostgresConfig struct {
	DSN         string `json:"dsn"`
	TablePrefix string `json:"table_prefix"`
}

// RedisConfig holds the connection settings used by redisprovider-backed inboxes.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LoadFromFile reads a JSON configuration document from path.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// LoadFromEnv applies INBOX_-prefixed environment overrides for the
// shared backend connection settings.
func LoadFromEnv(f *File) {
	if v := os.Getenv("INBOX_PG_DSN"); v != "" {
		f.Postgres.DSN = v
	}
	if v := os.Getenv("INBOX_PG_TABLE_PREFIX"); v != "" {
		f.Postgres.TablePrefix = v
	}
	if v := os.Getenv("INBOX_REDIS_ADDR"); v != "" {
		f.Redis.Addr = v
	}
	if v := os.Getenv("INBOX_REDIS_PASSWORD"); v != "" {
		f.Redis.Password = v
	}
	if v := os.Getenv("INBOX_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Redis.DB = n
		}
	}
}
