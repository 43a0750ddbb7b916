package rules

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
)

// TestThresholdMinDurationThenRecovery walks the full episode for
// threshold{mode:lt, value:10, hysteresis:0, minDuration:5s}: arm, open
// after the hold, close on recovery.
func TestThresholdMinDurationThenRecovery(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	cfg := model.ThresholdConfig{
		Mode:        model.OpLT,
		Value:       10,
		Hysteresis:  0,
		MinDuration: model.Duration{Value: 5, UnitSecond: 1},
	}
	r := NewThreshold("dev.0.target", "IngestStates.0", cfg, model.State{}, w, ft, clk, false, nil)

	r.OnStateChange(context.Background(), "dev.0.target", model.State{Val: 9.0})
	if !ft.has(thresholdTimerID("dev.0.target")) {
		t.Fatal("expected threshold.minDuration timer armed")
	}
	ref := thresholdRef("IngestStates.0", "dev.0.target")
	if store.Get(ref) != nil {
		t.Fatal("expected no message before minDuration fires")
	}

	clk.set(t0.Add(5 * time.Second))
	tm, ok := ft.fire(thresholdTimerID("dev.0.target"))
	if !ok {
		t.Fatal("expected timer present to fire")
	}
	r.OnTimer(context.Background(), tm)

	msg := store.Get(ref)
	if msg == nil || msg.Lifecycle.State != model.Open {
		t.Fatalf("expected open message after minDuration fires, got %+v", msg)
	}

	r.OnStateChange(context.Background(), "dev.0.target", model.State{Val: 10.0})
	msg = store.Get(ref)
	if msg.Lifecycle.State != model.Closed {
		t.Fatalf("expected closed on recovery, got %v", msg.Lifecycle.State)
	}
}

func TestThresholdCancelsBeforeMinDuration(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	clk.set(time.UnixMilli(1_735_732_800_000))

	cfg := model.ThresholdConfig{Mode: model.OpLT, Value: 10, MinDuration: model.Duration{Value: 5, UnitSecond: 1}}
	r := NewThreshold("dev.0.target", "IngestStates.0", cfg, model.State{}, w, ft, clk, false, nil)

	r.OnStateChange(context.Background(), "dev.0.target", model.State{Val: 9.0})
	r.OnStateChange(context.Background(), "dev.0.target", model.State{Val: 11.0})

	if ft.has(thresholdTimerID("dev.0.target")) {
		t.Fatal("expected minDuration timer cancelled on early recovery")
	}
	ref := thresholdRef("IngestStates.0", "dev.0.target")
	if store.Get(ref) != nil {
		t.Fatal("expected no message ever created")
	}
}

func TestThresholdZeroMinDurationActivatesImmediately(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	clk.set(time.UnixMilli(1_735_732_800_000))

	cfg := model.ThresholdConfig{Mode: model.OpGT, Value: 50}
	r := NewThreshold("dev.temp", "IngestStates.0", cfg, model.State{}, w, ft, clk, false, nil)

	r.OnStateChange(context.Background(), "dev.temp", model.State{Val: 60.0})
	ref := thresholdRef("IngestStates.0", "dev.temp")
	if store.Get(ref) == nil {
		t.Fatal("expected immediate activation with zero minDuration")
	}
}

// TestThresholdMinDurationSurvivesRestart: the minDuration timer is
// durable, so a rule rebuilt over a surviving timer (as after a process
// restart) resumes ARMED and the timer's fire still opens the message,
// which a later recovery then closes.
func TestThresholdMinDurationSurvivesRestart(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	cfg := model.ThresholdConfig{
		Mode:        model.OpLT,
		Value:       10,
		Hysteresis:  0,
		MinDuration: model.Duration{Value: 5, UnitSecond: 1},
	}
	r := NewThreshold("dev.0.target", "IngestStates.0", cfg, model.State{}, w, ft, clk, false, nil)
	r.OnStateChange(context.Background(), "dev.0.target", model.State{Val: 9.0})
	if !ft.has(thresholdTimerID("dev.0.target")) {
		t.Fatal("expected minDuration timer armed before restart")
	}

	// Restart: a fresh rule instance is built over the same surviving
	// timer set, with the target's current state read back as 9.
	r2 := NewThreshold("dev.0.target", "IngestStates.0", cfg, model.State{Val: 9.0, TS: t0}, w, ft, clk, false, nil)
	if !ft.has(thresholdTimerID("dev.0.target")) {
		t.Fatal("expected surviving timer kept while condition still holds")
	}

	clk.set(t0.Add(5 * time.Second))
	tm, ok := ft.fire(thresholdTimerID("dev.0.target"))
	if !ok {
		t.Fatal("expected surviving timer present to fire")
	}
	r2.OnTimer(context.Background(), tm)

	ref := thresholdRef("IngestStates.0", "dev.0.target")
	msg := store.Get(ref)
	if msg == nil || msg.Lifecycle.State != model.Open {
		t.Fatalf("expected message opened by the surviving timer, got %+v", msg)
	}

	r2.OnStateChange(context.Background(), "dev.0.target", model.State{Val: 10.0})
	if msg := store.Get(ref); msg.Lifecycle.State != model.Closed {
		t.Fatalf("expected closed on recovery after restart, got %v", msg.Lifecycle.State)
	}
}

// TestThresholdStaleTimerDeletedWhenConditionCleared: if the value
// recovered while the process was down, the surviving timer is stale and
// is deleted at construction instead of resuming ARMED.
func TestThresholdStaleTimerDeletedWhenConditionCleared(t *testing.T) {
	w, store := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	t0 := time.UnixMilli(1_735_732_800_000)
	clk.set(t0)

	cfg := model.ThresholdConfig{
		Mode:        model.OpLT,
		Value:       10,
		MinDuration: model.Duration{Value: 5, UnitSecond: 1},
	}
	ft.Set(thresholdTimerID("dev.0.target"), t0.Add(5*time.Second), "threshold.minDuration", map[string]any{"targetId": "dev.0.target"})

	NewThreshold("dev.0.target", "IngestStates.0", cfg, model.State{Val: 12.0, TS: t0}, w, ft, clk, false, nil)

	if ft.has(thresholdTimerID("dev.0.target")) {
		t.Fatal("expected stale timer deleted when the condition no longer holds")
	}
	ref := thresholdRef("IngestStates.0", "dev.0.target")
	if store.Get(ref) != nil {
		t.Fatal("expected no message from a stale timer")
	}
}
