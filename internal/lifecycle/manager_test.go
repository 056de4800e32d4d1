package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type recordingRunner struct {
	ran   atomic.Bool
	ended atomic.Bool
}

func (r *recordingRunner) Run(_ context.Context, stop <-chan struct{}) {
	r.ran.Store(true)
	<-stop
	r.ended.Store(true)
}

type recordingHook struct {
	startErr  error
	started   atomic.Bool
	stopped   atomic.Bool
	stopCount *atomic.Int32
	stopOrder atomic.Int32
}

func (h *recordingHook) OnStart(context.Context) error {
	h.started.Store(true)
	return h.startErr
}

func (h *recordingHook) OnStop(context.Context) error {
	h.stopped.Store(true)
	if h.stopCount != nil {
		h.stopOrder.Store(h.stopCount.Add(1))
	}
	return nil
}

func TestManagerStartRunsAllInboxes(t *testing.T) {
	m := NewManager(time.Second)
	runnerA := &recordingRunner{}
	runnerB := &recordingRunner{}
	m.Register("a", runnerA, nil)
	m.Register("b", runnerB, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if !runnerA.ran.Load() || !runnerB.ran.Load() {
		t.Fatal("expected both runners to start")
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !runnerA.ended.Load() || !runnerB.ended.Load() {
		t.Fatal("expected both runners to observe stop")
	}
}

func TestManagerStartAbortsOnHookFailure(t *testing.T) {
	m := NewManager(time.Second)
	hook := &recordingHook{startErr: errors.New("boom")}
	runner := &recordingRunner{}
	m.Register("a", runner, hook)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when a hook errors")
	}
	time.Sleep(10 * time.Millisecond)
	if runner.ran.Load() {
		t.Fatal("expected runner not to start after hook failure")
	}
}

func TestManagerStopInvokesHooksInReverseOrder(t *testing.T) {
	m := NewManager(time.Second)
	var stopCount atomic.Int32
	hookA := &recordingHook{stopCount: &stopCount}
	hookB := &recordingHook{stopCount: &stopCount}
	m.Register("a", &recordingRunner{}, hookA)
	m.Register("b", &recordingRunner{}, hookB)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !hookA.stopped.Load() || !hookB.stopped.Load() {
		t.Fatal("expected both stop hooks invoked")
	}
	if hookB.stopOrder.Load() != 1 || hookA.stopOrder.Load() != 2 {
		t.Fatalf("expected b stopped before a, got a=%d b=%d", hookA.stopOrder.Load(), hookB.stopOrder.Load())
	}
}
