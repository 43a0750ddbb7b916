package rules

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/presetcache"
	"github.com/whisper-darkly/ingeststates/internal/testhost"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

func newSessionWriters(t *testing.T) (*writer.Writer, *writer.Writer, *testhost.Store) {
	t.Helper()
	store := testhost.NewStore()
	factory := testhost.NewFactory()
	src := testhost.NewPresetSource()
	cache := presetcache.New(src, nil)
	wStart := writer.New(store, factory, cache, "", 0, nil)
	wEnd := writer.New(store, factory, cache, "", 0, nil)
	return wStart, wEnd, store
}

// TestSessionLifecycle walks a full session: start above the threshold,
// end below it, with counter/price summary metrics.
func TestSessionLifecycle(t *testing.T) {
	wStart, wEnd, store := newSessionWriters(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	cfg := model.SessionConfig{
		StartThreshold:  50,
		StopThreshold:   15,
		EnergyCounterID: "counter",
		PricePerKwhID:   "price",
		EnableSummary:   true,
	}
	var reader hostapi.Reader
	s, err := NewSession("a.b.c", "IngestStates.0", cfg, reader, wStart, wEnd, ft, clk, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	s.OnStateChange(context.Background(), "counter", model.State{Val: 100.0})
	s.OnStateChange(context.Background(), "price", model.State{Val: 2.0})
	s.OnStateChange(context.Background(), "a.b.c", model.State{Val: 60.0})

	startRef := sessionStartRef("IngestStates.0", "a.b.c")
	startMsg := store.Get(startRef)
	if startMsg == nil || startMsg.Lifecycle.State != model.Open {
		t.Fatalf("expected open SessionStart message, got %+v", startMsg)
	}
	if startMsg.Timing.StartAt != t0 {
		t.Fatalf("expected startAt=t0, got %v", startMsg.Timing.StartAt)
	}
	if startMsg.Metrics["state-name"].Val != "c" {
		t.Fatalf("expected state-name=c, got %v", startMsg.Metrics["state-name"].Val)
	}
	if startMsg.Metrics["session-startval"].Val != 100.0 {
		t.Fatalf("expected session-startval=100, got %v", startMsg.Metrics["session-startval"].Val)
	}

	t1 := t0.Add(10 * time.Second)
	clk.set(t1)
	s.OnStateChange(context.Background(), "counter", model.State{Val: 103.0})
	s.OnStateChange(context.Background(), "a.b.c", model.State{Val: 10.0})

	endRef := sessionEndRef("IngestStates.0", "a.b.c")
	endMsg := store.Get(endRef)
	if endMsg == nil {
		t.Fatal("expected SessionEnd message")
	}
	if endMsg.Timing.StartAt != t0 {
		t.Fatalf("expected SessionEnd startAt=t0, got %v", endMsg.Timing.StartAt)
	}
	if endMsg.Lifecycle.StateChangedAt != t1 {
		t.Fatalf("expected SessionEnd stamped at t1, got %v", endMsg.Lifecycle.StateChangedAt)
	}
	if endMsg.Metrics["session-counter"].Val != 3.0 {
		t.Fatalf("expected session-counter=3, got %v", endMsg.Metrics["session-counter"].Val)
	}
	if endMsg.Metrics["session-cost"].Val != 6.0 {
		t.Fatalf("expected session-cost=6, got %v", endMsg.Metrics["session-cost"].Val)
	}

	if store.Get(startRef) != nil {
		t.Fatal("expected SessionStart message deleted once the session ends")
	}
}

// TestSessionGateForcesEnd: a gate turning off while a session is active
// ends it immediately.
func TestSessionGateForcesEnd(t *testing.T) {
	wStart, wEnd, store := newSessionWriters(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	cfg := model.SessionConfig{
		StartThreshold: 50,
		StopThreshold:  15,
		OnOffID:        "gate",
		OnOffActive:    model.OnOffTruthy,
		EnableGate:     true,
	}
	reader := testhost.NewReader()
	s, err := NewSession("a.b.c", "IngestStates.0", cfg, reader, wStart, wEnd, ft, clk, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	s.OnStateChange(context.Background(), "gate", model.State{Val: true})
	s.OnStateChange(context.Background(), "a.b.c", model.State{Val: 60.0})

	startRef := sessionStartRef("IngestStates.0", "a.b.c")
	if store.Get(startRef) == nil {
		t.Fatal("expected session to start once gate is on and threshold exceeded")
	}

	s.OnStateChange(context.Background(), "gate", model.State{Val: false})

	if store.Get(startRef) != nil {
		t.Fatal("expected SessionStart message removed on immediate gate-forced end")
	}
	endRef := sessionEndRef("IngestStates.0", "a.b.c")
	if store.Get(endRef) == nil {
		t.Fatal("expected SessionEnd message on gate-forced end")
	}
}

func TestSessionInvalidThresholdsRejected(t *testing.T) {
	wStart, wEnd, _ := newSessionWriters(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	cfg := model.SessionConfig{StartThreshold: 10, StopThreshold: 20}
	var reader hostapi.Reader
	_, err := NewSession("a.b.c", "IngestStates.0", cfg, reader, wStart, wEnd, ft, clk, false, nil)
	if err == nil {
		t.Fatal("expected rejection when startThreshold <= stopThreshold")
	}
}

// TestSessionRestartSafetyClosesStaleEnd: a fresh engine never continues a
// prior session; a SessionEnd message left open by a previous run is closed
// the moment a new session starts.
func TestSessionRestartSafetyClosesStaleEnd(t *testing.T) {
	wStart, wEnd, store := newSessionWriters(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	// Seed a stale open SessionEnd, as a prior run would have left behind.
	endRef := sessionEndRef("IngestStates.0", "a.b.c")
	stale := &model.Message{
		Ref:   endRef,
		Title: "Session ended",
		Text:  "summary",
		Lifecycle: model.Lifecycle{
			State:          model.Open,
			StateChangedAt: t0.Add(-time.Hour),
		},
	}
	if err := store.AddMessage(context.Background(), stale); err != nil {
		t.Fatal(err)
	}

	cfg := model.SessionConfig{StartThreshold: 50, StopThreshold: 15}
	var reader hostapi.Reader
	s, err := NewSession("a.b.c", "IngestStates.0", cfg, reader, wStart, wEnd, ft, clk, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	s.OnStateChange(context.Background(), "a.b.c", model.State{Val: 60.0})

	if msg := store.Get(endRef); msg.Lifecycle.State != model.Closed {
		t.Fatalf("expected stale SessionEnd closed on new session start, got %v", msg.Lifecycle.State)
	}
	if store.Get(sessionStartRef("IngestStates.0", "a.b.c")) == nil {
		t.Fatal("expected fresh SessionStart message")
	}
}
