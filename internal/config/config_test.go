package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(InboxConfig{Name: "orders", Type: StrategyDefault}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(InboxConfig{Name: "orders", Type: StrategyFifo})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.Register(InboxConfig{Name: "orders", Type: "bogus"})
	if err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestRegistryDefaultsConcurrency(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(InboxConfig{Name: "fifo-inbox", Type: StrategyFifo}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	cfg, err := r.Get("fifo-inbox")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cfg.Concurrency != 1 {
		t.Fatalf("expected FIFO default concurrency 1, got %d", cfg.Concurrency)
	}
}

func TestRegistryFrozenRejectsRegister(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	if err := r.Register(InboxConfig{Name: "late", Type: StrategyDefault}); err == nil {
		t.Fatal("expected frozen registry to reject new registration")
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected unknown inbox error")
	}
}

func TestInboxConfigJSONParsesMillisecondDurations(t *testing.T) {
	data := []byte(`{
		"name": "orders",
		"type": "default",
		"poll_interval_ms": 250,
		"visibility_timeout_ms": 30000,
		"dedup_ttl_ms": 60000,
		"grace_period_ms": 5000
	}`)
	var cfg InboxConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Fatalf("VisibilityTimeout = %v, want 30s", cfg.VisibilityTimeout)
	}
	if cfg.DedupTTL != time.Minute {
		t.Fatalf("DedupTTL = %v, want 1m", cfg.DedupTTL)
	}
	if cfg.GracePeriod != 5*time.Second {
		t.Fatalf("GracePeriod = %v, want 5s", cfg.GracePeriod)
	}
}

func TestInboxConfigJSONRoundTrips(t *testing.T) {
	cfg := InboxConfig{
		Name:              "orders",
		Type:              StrategyDefault,
		PollInterval:      250 * time.Millisecond,
		BatchSize:         10,
		VisibilityTimeout: 30 * time.Second,
		MaxAttempts:       5,
		DedupTTL:          time.Minute,
		Backend:           BackendMemory,
		Concurrency:       10,
		GracePeriod:       5 * time.Second,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round InboxConfig
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round != cfg {
		t.Fatalf("round trip = %+v, want %+v", round, cfg)
	}
}
