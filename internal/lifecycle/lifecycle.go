// Package lifecycle implements the per-inbox running flag and stop
// signal (C9) and the manager that orchestrates all registered
// inboxes (C10), per spec.md §4.5. The Start/Stop shape mirrors the
// teacher's async worker pool (internal/asyncqueue/worker.go).
package lifecycle

import (
	"context"
	"sync"
)

// Lifecycle exposes a boolean running flag and a stop signal for one
// inbox. Stop is idempotent: a second Stop is a no-op.
type Lifecycle struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New creates a Lifecycle in the stopped state.
func New() *Lifecycle {
	return &Lifecycle{stopCh: make(chan struct{})}
}

// Start flips running to true.
func (l *Lifecycle) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = true
}

// Stop flips running to false and fires the stop signal. Safe to
// call more than once.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)
}

// Running reports the current running flag.
func (l *Lifecycle) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Done returns the channel closed when Stop is first called. The
// four suspension points a strategy loop observes (storage poll,
// handler dispatch, ack/nack, backoff sleep) all select on this.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.stopCh
}

// Hook is a lifecycle hook invoked by Manager around Start/Stop.
// Both methods are asynchronous and honor ctx cancellation.
type Hook interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// Runner is a single inbox's processing loop. Run blocks until stop
// is closed, observing it at every suspension point, then returns
// once any in-flight dispatch has been acked or nacked.
type Runner interface {
	Run(ctx context.Context, stop <-chan struct{})
}
