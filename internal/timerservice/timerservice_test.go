package timerservice

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/testhost"
)

func TestSetThenFireAtMostOnce(t *testing.T) {
	clock := testhost.NewClock(time.UnixMilli(1_700_000_000_000))
	res := testhost.NewResources(clock)
	reader := testhost.NewReader()

	var fired []model.Timer
	svc := New(reader, res, clock, "slot", func(tm model.Timer) { fired = append(fired, tm) }, nil)
	svc.Start(context.Background())

	svc.Set("t1", clock.Now().Add(5*time.Second), "kind.a", map[string]any{"x": float64(1)})

	if _, ok := svc.Get("t1"); !ok {
		t.Fatal("expected t1 to be present before firing")
	}

	res.AdvanceAndFire(4 * time.Second)
	if len(fired) != 0 {
		t.Fatalf("fired early: %v", fired)
	}

	res.AdvanceAndFire(2 * time.Second)
	if len(fired) != 1 {
		t.Fatalf("expected exactly one fire, got %d", len(fired))
	}
	if fired[0].ID != "t1" || fired[0].Kind != "kind.a" {
		t.Fatalf("unexpected fired timer: %+v", fired[0])
	}
	if _, ok := svc.Get("t1"); ok {
		t.Fatal("expected t1 absent after firing")
	}

	// Advancing further must not fire it again.
	res.AdvanceAndFire(10 * time.Second)
	if len(fired) != 1 {
		t.Fatalf("expected still exactly one fire, got %d", len(fired))
	}
}

func TestSetPastDueCoalescesToSoon(t *testing.T) {
	clock := testhost.NewClock(time.UnixMilli(1_700_000_000_000))
	res := testhost.NewResources(clock)
	reader := testhost.NewReader()

	fired := make(chan model.Timer, 1)
	svc := New(reader, res, clock, "slot", func(tm model.Timer) { fired <- tm }, nil)
	svc.Start(context.Background())

	svc.Set("past", clock.Now().Add(-time.Minute), "kind.b", nil)
	res.FireDue()

	select {
	case tm := <-fired:
		if tm.ID != "past" {
			t.Fatalf("unexpected timer: %+v", tm)
		}
	default:
		t.Fatal("expected past-due timer to fire immediately")
	}
}

func TestDeleteCancelsFiring(t *testing.T) {
	clock := testhost.NewClock(time.UnixMilli(1_700_000_000_000))
	res := testhost.NewResources(clock)
	reader := testhost.NewReader()

	var fired int
	svc := New(reader, res, clock, "slot", func(model.Timer) { fired++ }, nil)
	svc.Start(context.Background())

	svc.Set("t1", clock.Now().Add(5*time.Second), "kind.a", nil)
	svc.Delete("t1")
	res.AdvanceAndFire(10 * time.Second)

	if fired != 0 {
		t.Fatalf("expected no fire after delete, got %d", fired)
	}
	if _, ok := svc.Get("t1"); ok {
		t.Fatal("expected t1 absent after delete")
	}
}

func TestDurabilityAcrossRestart(t *testing.T) {
	clock := testhost.NewClock(time.UnixMilli(1_700_000_000_000))
	res := testhost.NewResources(clock)
	reader := testhost.NewReader()

	svc := New(reader, res, clock, "slot", func(model.Timer) {}, nil)
	svc.Start(context.Background())
	svc.Set("t1", clock.Now().Add(5*time.Second), "threshold.minDuration", map[string]any{"targetId": "dev.0.target"})

	// Let the debounced flush elapse and run, without reaching the timer's
	// own due time.
	res.AdvanceAndFire(200 * time.Millisecond)
	svc.Stop()

	// Simulate restart: fresh service, same reader (same persisted state).
	res2 := testhost.NewResources(clock)
	var fired []model.Timer
	svc2 := New(reader, res2, clock, "slot", func(tm model.Timer) { fired = append(fired, tm) }, nil)
	svc2.Start(context.Background())

	got, ok := svc2.Get("t1")
	if !ok {
		t.Fatal("expected t1 to survive restart")
	}
	if got.Kind != "threshold.minDuration" {
		t.Fatalf("unexpected kind: %q", got.Kind)
	}
	if got.DueAt.Before(clock.Now()) {
		t.Fatalf("dueAt should be >= now, got %v vs now %v", got.DueAt, clock.Now())
	}

	res2.AdvanceAndFire(10 * time.Second)
	if len(fired) != 1 || fired[0].ID != "t1" {
		t.Fatalf("expected t1 to fire after restart, got %v", fired)
	}
}

func TestCorruptPersistedDocStartsEmpty(t *testing.T) {
	clock := testhost.NewClock(time.UnixMilli(1_700_000_000_000))
	res := testhost.NewResources(clock)
	reader := testhost.NewReader()
	reader.Slots["slot"] = "{not json"

	svc := New(reader, res, clock, "slot", func(model.Timer) {}, nil)
	svc.Start(context.Background())

	if _, ok := svc.Get("anything"); ok {
		t.Fatal("expected empty timer set after corrupt load")
	}
}
