package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/inboxrt/internal/logging"
)

// Manager orchestrates every registered inbox: on Start it invokes
// OnStart on every hook in registration order, aborting the startup
// sequence if any hook fails, then starts each inbox's Runner as an
// independent goroutine. On Stop it signals every stop token, waits
// up to gracePeriod for loops to drain in-flight dispatches, then
// invokes OnStop hooks in reverse order.
type Manager struct {
	mu          sync.Mutex
	entries     []*entry
	byName      map[string]*entry
	gracePeriod time.Duration
}

type entry struct {
	name      string
	lifecycle *Lifecycle
	runner    Runner
	hook      Hook
	wg        sync.WaitGroup
}

// NewManager creates a Manager with the given shutdown grace period.
func NewManager(gracePeriod time.Duration) *Manager {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &Manager{byName: make(map[string]*entry), gracePeriod: gracePeriod}
}

// Register adds an inbox's runner and optional lifecycle hook. hook
// may be nil. Must be called before Start.
func (m *Manager) Register(name string, runner Runner, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{name: name, lifecycle: New(), runner: runner, hook: hook}
	m.entries = append(m.entries, e)
	m.byName[name] = e
}

// Start invokes OnStart hooks in registration order, then launches
// every inbox's Run loop. If any hook fails, Start aborts and returns
// the error without starting any loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.Unlock()

	for _, e := range entries {
		if e.hook == nil {
			continue
		}
		if err := e.hook.OnStart(ctx); err != nil {
			return fmt.Errorf("inbox %s: start hook: %w", e.name, err)
		}
	}

	for _, e := range entries {
		e.lifecycle.Start()
		e.wg.Add(1)
		go func(e *entry) {
			defer e.wg.Done()
			e.runner.Run(ctx, e.lifecycle.Done())
		}(e)
		logging.OpFor(e.name).Info("inbox started")
	}
	return nil
}

// Stop signals every inbox's stop token, waits up to the configured
// grace period for loops to drain, then invokes OnStop hooks in
// reverse registration order.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.Unlock()

	for _, e := range entries {
		e.lifecycle.Stop()
	}

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			e.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.gracePeriod):
		logging.Op().Warn("grace period elapsed before all inboxes drained")
	}

	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.hook == nil {
			continue
		}
		if err := e.hook.OnStop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("inbox %s: stop hook: %w", e.name, err)
		}
		logging.OpFor(e.name).Info("inbox stopped")
	}
	return firstErr
}
