package lifecycle

import "testing"

func TestLifecycleStartStop(t *testing.T) {
	l := New()
	if l.Running() {
		t.Fatal("expected not running before Start")
	}
	l.Start()
	if !l.Running() {
		t.Fatal("expected running after Start")
	}
	l.Stop()
	if l.Running() {
		t.Fatal("expected not running after Stop")
	}
	select {
	case <-l.Done():
	default:
		t.Fatal("expected Done channel closed after Stop")
	}
}

func TestLifecycleStopIdempotent(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()
	l.Stop() // must not panic on double-close
}
