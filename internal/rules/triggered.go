package rules

import (
	"context"
	"log"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

// triggerBaseline is the target reading captured at the moment a reaction
// window is armed.
type triggerBaseline struct {
	lc    time.Time
	val   float64
	valOK bool
}

// Triggered implements the reaction-window pattern: on a
// rising edge of a trigger input, capture a baseline on the monitored
// target and arm a window; if the configured expectation is met before the
// window fires, stay silent, otherwise open a message. If the trigger
// falls back to inactive at any time, the window is cancelled and any open
// message is closed.
type Triggered struct {
	base
	cfg    model.TriggeredConfig
	w      writerLike
	logger *log.Logger

	triggerActive bool
	armed         bool
	open          bool
	baseline      triggerBaseline
	lastTarget    model.State
}

// NewTriggered constructs a Triggered rule.
func NewTriggered(targetID, baseOwnID string, cfg model.TriggeredConfig, w writerLike, t timers, clk clock, trace bool, logger *log.Logger) *Triggered {
	if logger == nil {
		logger = log.Default()
	}
	return &Triggered{
		base:   base{targetID: targetID, baseOwnID: baseOwnID, clock: clk, timers: t, trace: trace},
		cfg:    cfg,
		w:      w,
		logger: logger,
	}
}

func (r *Triggered) TargetID() string { return r.targetID }

func (r *Triggered) RequiredStateIDs() map[string]bool {
	return map[string]bool{r.targetID: true, r.cfg.TriggerID: true}
}

func (r *Triggered) OnStateChange(ctx context.Context, id string, state model.State) {
	switch id {
	case r.cfg.TriggerID:
		r.onTrigger(ctx, state)
	case r.targetID:
		r.lastTarget = state
		if r.armed && r.expectationMet(state) {
			r.cancelWindow()
			return
		}
		// A reaction that arrives after the window already opened a message
		// still counts: the cause is gone, so request close.
		if r.open && r.expectationMet(state) {
			r.closeOpen(ctx, "reaction arrived late")
		}
	}
}

func (r *Triggered) onTrigger(ctx context.Context, state model.State) {
	active := matchesTrigger(r.cfg, state.Val)
	rising := active && !r.triggerActive
	r.triggerActive = active

	if rising {
		r.arm(r.clock.Now())
		return
	}
	if !active {
		r.cancelWindow()
		if r.open {
			r.closeOpen(ctx, "trigger fell inactive")
		}
	}
}

// closeOpen requests close of the currently open message.
func (r *Triggered) closeOpen(ctx context.Context, why string) {
	now := r.clock.Now()
	ref := triggeredRef(r.baseOwnID, r.targetID)
	if err := r.w.OnClose(ctx, ref, closedBy, now); err != nil {
		r.logger.Printf("triggered[%s]: close: %v", r.targetID, err)
	}
	r.open = false
	r.addLog("%s, closed at %s", why, now)
}

func (r *Triggered) arm(now time.Time) {
	val, ok := asFloat(r.lastTarget.Val)
	r.baseline = triggerBaseline{lc: r.lastTarget.LC, val: val, valOK: ok}
	r.armed = true
	window := time.Duration(r.cfg.Window.Millis()) * time.Millisecond
	r.timers.Set(triggeredTimerID(r.targetID), now.Add(window), "triggered.window", map[string]any{"targetId": r.targetID})
	r.addLog("armed window at %s (baseline lc=%s val=%v)", now, r.baseline.lc, r.baseline.val)
}

// cancelWindow disarms without emitting a message — either the expectation
// was satisfied in time, or the trigger fell inactive first.
func (r *Triggered) cancelWindow() {
	if !r.armed {
		return
	}
	r.armed = false
	r.timers.Delete(triggeredTimerID(r.targetID))
	r.addLog("window cancelled")
}

func (r *Triggered) expectationMet(state model.State) bool {
	val, ok := asFloat(state.Val)
	switch r.cfg.Expectation {
	case model.ExpectChanged:
		return !state.LC.Equal(r.baseline.lc) && !state.LC.IsZero()
	case model.ExpectDeltaUp:
		if !ok || !r.baseline.valOK {
			return false
		}
		return val-r.baseline.val >= r.cfg.MinDelta
	case model.ExpectDeltaDown:
		if !ok || !r.baseline.valOK {
			return false
		}
		return r.baseline.val-val >= r.cfg.MinDelta
	case model.ExpectThresholdGte:
		return ok && val >= r.cfg.Threshold
	case model.ExpectThresholdLte:
		return ok && val <= r.cfg.Threshold
	default:
		return false
	}
}

func (r *Triggered) OnTick(ctx context.Context, now time.Time) {}

func (r *Triggered) OnTimer(ctx context.Context, timer model.Timer) {
	if timer.Kind != "triggered.window" {
		return
	}
	if tid, _ := timer.Data["targetId"].(string); tid != r.targetID {
		return
	}
	if !r.armed {
		return
	}
	r.armed = false
	if r.expectationMet(r.lastTarget) {
		return
	}
	ref := triggeredRef(r.baseOwnID, r.targetID)
	now := r.clock.Now()
	if _, err := r.w.OnUpsert(ctx, ref, writer.UpsertInput{Now: now, TargetID: r.targetID, System: r.baseOwnID}); err != nil {
		r.logger.Printf("triggered[%s]: upsert: %v", r.targetID, err)
		return
	}
	r.open = true
	r.addLog("window fired unmet at %s, opened", now)
}

func (r *Triggered) Dispose(ctx context.Context) {
	r.timers.Delete(triggeredTimerID(r.targetID))
}

var _ Rule = (*Triggered)(nil)
