package rules

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/presetcache"
	"github.com/whisper-darkly/ingeststates/internal/testhost"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

func newTestWriter(t *testing.T) (*writer.Writer, *testhost.Store) {
	t.Helper()
	store := testhost.NewStore()
	factory := testhost.NewFactory()
	src := testhost.NewPresetSource()
	cache := presetcache.New(src, nil)
	w := writer.New(store, factory, cache, "", 0, nil)
	return w, store
}

func TestFreshnessViolationThenRecovery(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	f := NewFreshness("dev.x", "IngestStates.0", model.FreshnessConfig{EveryMs: 60000, EvaluateBy: model.EvaluateByTS}, model.State{Val: 1.0, TS: t0}, w, ft, clk, false, nil)

	clk.set(t0.Add(61 * time.Second))
	f.OnTick(context.Background(), clk.Now())

	ref := freshnessRef("IngestStates.0", "dev.x")
	msg := store.Get(ref)
	if msg == nil || msg.Lifecycle.State != model.Open {
		t.Fatalf("expected open freshness message, got %+v", msg)
	}
	if msg.Level != 20 || msg.Kind != model.KindStatus {
		t.Fatalf("expected fallback level/kind, got level=%d kind=%s", msg.Level, msg.Kind)
	}

	fresh := t0.Add(70 * time.Second)
	clk.set(fresh)
	f.OnStateChange(context.Background(), "dev.x", model.State{Val: 1.0, TS: fresh})

	msg = store.Get(ref)
	if msg.Lifecycle.State != model.Closed {
		t.Fatalf("expected closed after fresh update, got %v", msg.Lifecycle.State)
	}
}

func TestFreshnessNoViolationBeforeDeadline(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	f := NewFreshness("dev.x", "IngestStates.0", model.FreshnessConfig{EveryMs: 60000, EvaluateBy: model.EvaluateByTS}, model.State{Val: 1.0, TS: t0}, w, ft, clk, false, nil)

	clk.set(t0.Add(30 * time.Second))
	f.OnTick(context.Background(), clk.Now())

	ref := freshnessRef("IngestStates.0", "dev.x")
	if store.Get(ref) != nil {
		t.Fatal("expected no message before the deadline")
	}
}

func TestFreshnessResetDelayDefersClose(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	cfg := model.FreshnessConfig{
		EveryMs:    60000,
		EvaluateBy: model.EvaluateByTS,
		ResetDelay: model.Duration{Value: 10, UnitSecond: 1},
	}
	f := NewFreshness("dev.x", "IngestStates.0", cfg, model.State{Val: 1.0, TS: t0}, w, ft, clk, false, nil)

	clk.set(t0.Add(61 * time.Second))
	f.OnTick(context.Background(), clk.Now())

	ref := freshnessRef("IngestStates.0", "dev.x")
	if msg := store.Get(ref); msg == nil || msg.Lifecycle.State != model.Open {
		t.Fatalf("expected open message, got %+v", msg)
	}

	fresh := t0.Add(70 * time.Second)
	clk.set(fresh)
	f.OnStateChange(context.Background(), "dev.x", model.State{Val: 1.0, TS: fresh})

	// Close is deferred behind the reset-delay timer.
	if msg := store.Get(ref); msg.Lifecycle.State == model.Closed {
		t.Fatal("expected close deferred while reset delay is pending")
	}
	if !ft.has(freshnessTimerID("dev.x")) {
		t.Fatal("expected reset-delay timer armed")
	}

	clk.set(fresh.Add(10 * time.Second))
	tm, _ := ft.fire(freshnessTimerID("dev.x"))
	f.OnTimer(context.Background(), tm)

	if msg := store.Get(ref); msg.Lifecycle.State != model.Closed {
		t.Fatalf("expected closed after reset delay fires, got %v", msg.Lifecycle.State)
	}
}
