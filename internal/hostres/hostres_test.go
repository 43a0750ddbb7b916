package hostres

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetTimeoutFires(t *testing.T) {
	r := New()
	var fired atomic.Bool
	done := make(chan struct{})
	r.SetTimeout(func() {
		fired.Store(true)
		close(done)
	}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SetTimeout callback")
	}
	if !fired.Load() {
		t.Fatal("expected callback to run")
	}
}

func TestSetTimeoutStopPreventsFire(t *testing.T) {
	r := New()
	var fired atomic.Bool
	h := r.SetTimeout(func() { fired.Store(true) }, 30*time.Millisecond)
	h.Stop()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("expected stopped timeout not to fire")
	}
}

func TestSetIntervalFiresRepeatedly(t *testing.T) {
	r := New()
	var count atomic.Int32
	h := r.SetInterval(func() { count.Add(1) }, 10*time.Millisecond)
	defer h.Stop()

	time.Sleep(55 * time.Millisecond)
	h.Stop()

	if count.Load() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", count.Load())
	}
}

func TestSetIntervalStopIsIdempotent(t *testing.T) {
	r := New()
	h := r.SetInterval(func() {}, 10*time.Millisecond)
	h.Stop()
	h.Stop() // must not panic or deadlock
}
