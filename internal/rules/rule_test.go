package rules

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
)

// TestRecentLogsDisabledByDefault: the trace ring is a diagnostics
// supplement, off unless explicitly enabled, and must never affect
// evaluated rule state.
func TestRecentLogsDisabledByDefault(t *testing.T) {
	w, _ := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	clk.set(time.UnixMilli(1_735_732_800_000))

	cfg := model.ThresholdConfig{Mode: model.OpGT, Value: 50}
	r := NewThreshold("dev.temp", "IngestStates.0", cfg, model.State{}, w, ft, clk, false, nil)

	r.OnStateChange(context.Background(), "dev.temp", model.State{Val: 60.0})

	if logs := r.RecentLogs(); len(logs) != 0 {
		t.Fatalf("expected no recent logs when trace disabled, got %v", logs)
	}
}

// TestRecentLogsCapturesTransitions checks the ring records state
// transitions when trace is enabled, and that it is exposed via the
// logSource-shaped RecentLogs accessor the engine checks for.
func TestRecentLogsCapturesTransitions(t *testing.T) {
	w, _ := newTestWriter(t)
	ft := newFakeTimers()
	clk := &fakeClock{}
	clk.set(time.UnixMilli(1_735_732_800_000))

	cfg := model.ThresholdConfig{Mode: model.OpGT, Value: 50}
	r := NewThreshold("dev.temp", "IngestStates.0", cfg, model.State{}, w, ft, clk, true, nil)

	r.OnStateChange(context.Background(), "dev.temp", model.State{Val: 60.0})
	r.OnStateChange(context.Background(), "dev.temp", model.State{Val: 10.0})

	logs := r.RecentLogs()
	if len(logs) == 0 {
		t.Fatal("expected recent logs to be populated when trace enabled")
	}
}

// TestRecentLogsRingBounded checks the ring never grows past maxRuleLogs.
func TestRecentLogsRingBounded(t *testing.T) {
	b := &base{trace: true}
	for i := 0; i < maxRuleLogs+50; i++ {
		b.addLog("line %d", i)
	}
	logs := b.RecentLogs()
	if len(logs) != maxRuleLogs {
		t.Fatalf("expected ring capped at %d, got %d", maxRuleLogs, len(logs))
	}
	if logs[len(logs)-1] != "line 249" {
		t.Fatalf("expected newest line retained, got %q", logs[len(logs)-1])
	}
}
