package engine

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/testhost"
)

type harness struct {
	e       *Engine
	bus     *testhost.Bus
	reader  *testhost.Reader
	store   *testhost.Store
	factory *testhost.Factory
	options *testhost.Options
	res     *testhost.Resources
	managed *testhost.ManagedObjects
	presets *testhost.PresetSource
	clk     *testhost.Clock
}

func newHarness(t *testing.T, ns string) *harness {
	t.Helper()
	clk := testhost.NewClock(time.UnixMilli(1_735_732_800_000))
	h := &harness{
		bus:     testhost.NewBus(),
		reader:  testhost.NewReader(),
		store:   testhost.NewStore(),
		factory: testhost.NewFactory(),
		options: testhost.NewOptions(),
		res:     testhost.NewResources(clk),
		managed: testhost.NewManagedObjects(),
		presets: testhost.NewPresetSource(),
		clk:     clk,
	}
	h.e = New(Config{
		Bus:            h.bus,
		Reader:         h.reader,
		Store:          h.store,
		Factory:        h.factory,
		Options:        h.options,
		Resources:      h.res,
		ManagedObjects: h.managed,
		PresetSource:   h.presets,
		Clock:          h.clk,
		Namespace:      ns,
	})
	return h
}

// startSync brings the engine up without relying on the background
// OpQueue goroutine's timing: it calls Start, then blocks until the queued
// initial rescan has run so assertions don't race the queue.
func (h *harness) startSync(t *testing.T) {
	t.Helper()
	h.e.Start(context.Background())
	// Drain the queued initial rescan deterministically.
	waitDrained(t, h.e)
}

// waitDrained submits a barrier task and blocks until it runs, ensuring
// every previously-submitted task (the initial rescan) has completed.
func waitDrained(t *testing.T, e *Engine) {
	t.Helper()
	done := make(chan struct{})
	e.opq.Submit(func(ctx context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("opqueue did not drain in time")
	}
}

func TestOwnObjectGuard(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "ingestStates.0", Value: map[string]map[string]any{
			"ingestStates.0": {"enabled": true, "mode": "threshold", "thr-mode": "gt", "thr-value": 1.0},
		}},
		{ID: "ingestStates.0.timers", Value: map[string]map[string]any{
			"ingestStates.0": {"enabled": true, "mode": "threshold", "thr-mode": "gt", "thr-value": 1.0},
		}},
	}
	h.startSync(t)

	if len(h.e.registry.AllRules()) != 0 {
		t.Fatalf("expected no rules built from own-namespace objects, got %d", len(h.e.registry.AllRules()))
	}
}

func TestManagedByFilterSkipsForeignOwner(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "dev.0.target", Value: map[string]map[string]any{
			"ingestStates.0": {
				"enabled": true, "mode": "threshold",
				"thr-mode": "gt", "thr-value": 1.0,
				"managedMeta-managedBy": "someOtherInstance.1",
			},
		}},
	}
	h.startSync(t)

	if r := h.e.registry.RuleByTarget("dev.0.target"); r != nil {
		t.Fatal("expected target owned by another instance to be skipped")
	}
	if h.e.registry.IsWatchingObject("dev.0.target") {
		t.Fatal("expected foreign-owned target to not be watched")
	}
}

func TestConfigInvalidKeepsWatched(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "dev.0.broken", Value: map[string]map[string]any{
			"ingestStates.0": {"enabled": true}, // missing mode
		}},
	}
	h.startSync(t)

	if h.e.registry.RuleByTarget("dev.0.broken") != nil {
		t.Fatal("expected no rule for invalid config")
	}
	if !h.e.registry.IsWatchingObject("dev.0.broken") {
		t.Fatal("expected invalid-config object to remain watched so edits retrigger a rescan")
	}
}

func TestDisabledTargetStaysWatchedNotSubscribed(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "dev.0.off", Value: map[string]map[string]any{
			"ingestStates.0": {"enabled": false, "mode": "threshold", "thr-mode": "gt", "thr-value": 1.0},
		}},
	}
	h.startSync(t)

	if h.e.registry.RuleByTarget("dev.0.off") != nil {
		t.Fatal("expected no rule for disabled target")
	}
	if !h.e.registry.IsWatchingObject("dev.0.off") {
		t.Fatal("expected disabled target to remain watched to detect re-enable")
	}
	if h.bus.Subscribed()["dev.0.off"] {
		t.Fatal("expected disabled target's state id not subscribed")
	}
}

// TestSubscriptionSoundness checks that after a
// completed rescan, every rule's RequiredStateIDs is subscribed, and
// nothing else is.
func TestSubscriptionSoundness(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "dev.0.a", Value: map[string]map[string]any{
			"ingestStates.0": {"enabled": true, "mode": "threshold", "thr-mode": "gt", "thr-value": 1.0},
		}},
		{ID: "dev.0.b", Value: map[string]map[string]any{
			"ingestStates.0": {
				"enabled": true, "mode": "triggered",
				"trig-triggerId": "dev.0.trg", "trig-operator": "truthy",
				"trig-windowValue": 5.0, "trig-windowUnit": 1.0,
				"trig-expectation": "changed",
			},
		}},
	}
	h.startSync(t)

	sub := h.bus.Subscribed()
	for _, want := range []string{"dev.0.a", "dev.0.b", "dev.0.trg"} {
		if !sub[want] {
			t.Errorf("expected %s subscribed, got %v", want, sub)
		}
	}
	if len(sub) != 3 {
		t.Errorf("expected exactly 3 subscribed state ids, got %v", sub)
	}
}

// TestRescanReusesUnchangedRule ensures an unchanged config on a later
// rescan does not rebuild (and thereby reset) the live rule instance.
func TestRescanReusesUnchangedRule(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	cfg := map[string]any{
		"enabled": true, "mode": "threshold",
		"thr-mode": "lt", "thr-value": 10.0, "thr-hysteresis": 0.0,
		"thr-minDurationValue": 5.0, "thr-minDurationUnit": 1.0,
	}
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "dev.0.target", Value: map[string]map[string]any{"ingestStates.0": cfg}},
	}
	h.startSync(t)

	// Arm the rule mid-flight (value below the lt threshold arms the
	// minDuration timer) via the engine's normal event-routing path.
	h.e.OnStateChange("dev.0.target", model.State{Val: 9.0})
	waitDrained(t, h.e)

	first := h.e.registry.RuleByTarget("dev.0.target")

	// Rescan again with the identical config.
	done2 := make(chan struct{})
	h.e.opq.Submit(func(ctx context.Context) {
		h.e.rescan(ctx, "interval")
		close(done2)
	})
	<-done2

	second := h.e.registry.RuleByTarget("dev.0.target")
	if first != second {
		t.Fatal("expected unchanged config to reuse the same rule instance across rescans")
	}
}

func TestStopUnsubscribesAndDisposes(t *testing.T) {
	h := newHarness(t, "ingestStates.0")
	h.reader.Rows = []hostapi.ObjectRow{
		{ID: "dev.0.a", Value: map[string]map[string]any{
			"ingestStates.0": {"enabled": true, "mode": "threshold", "thr-mode": "gt", "thr-value": 1.0},
		}},
	}
	h.startSync(t)
	if !h.bus.Subscribed()["dev.0.a"] {
		t.Fatal("expected subscribed before stop")
	}

	h.e.Stop(context.Background())

	if h.bus.Subscribed()["dev.0.a"] {
		t.Fatal("expected unsubscribed after stop")
	}
	if len(h.e.registry.AllRules()) != 0 {
		t.Fatal("expected registry cleared after stop")
	}
}
