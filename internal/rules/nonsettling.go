package rules

import (
	"context"
	"log"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

// reading is one value observation kept for the NonSettling sliding window.
type reading struct {
	at  time.Time
	val float64
}

// NonSettling detects a value that keeps changing beyond a tolerance band
// within a window. It shares Threshold's IDLE→ARMED→ACTIVE
// skeleton; "armed" is driven by a change-count predicate over a sliding
// window instead of a single comparison, and the window itself stands in
// for Threshold's minDuration confirmation timer.
type NonSettling struct {
	base
	cfg    model.NonSettlingConfig
	w      writerLike
	logger *log.Logger

	state   thresholdState
	history []reading
}

// NewNonSettling constructs a NonSettling rule.
func NewNonSettling(targetID, baseOwnID string, cfg model.NonSettlingConfig, w writerLike, t timers, clk clock, trace bool, logger *log.Logger) *NonSettling {
	if logger == nil {
		logger = log.Default()
	}
	return &NonSettling{
		base:   base{targetID: targetID, baseOwnID: baseOwnID, clock: clk, timers: t, trace: trace},
		cfg:    cfg,
		w:      w,
		logger: logger,
	}
}

func (r *NonSettling) TargetID() string { return r.targetID }

func (r *NonSettling) RequiredStateIDs() map[string]bool {
	return map[string]bool{r.targetID: true}
}

func (r *NonSettling) window() time.Duration {
	return time.Duration(r.cfg.Window.Millis()) * time.Millisecond
}

// prune drops readings older than the window, evaluated as of now.
func (r *NonSettling) prune(now time.Time) {
	w := r.window()
	cut := 0
	for cut < len(r.history) && now.Sub(r.history[cut].at) > w {
		cut++
	}
	if cut > 0 {
		r.history = r.history[cut:]
	}
}

// changeCount counts transitions in history whose magnitude exceeds
// Tolerance.
func (r *NonSettling) changeCount() int {
	n := 0
	for i := 1; i < len(r.history); i++ {
		delta := r.history[i].val - r.history[i-1].val
		if delta < 0 {
			delta = -delta
		}
		if delta > r.cfg.Tolerance {
			n++
		}
	}
	return n
}

func (r *NonSettling) OnStateChange(ctx context.Context, id string, state model.State) {
	if id != r.targetID {
		return
	}
	val, ok := asFloat(state.Val)
	if !ok {
		return
	}
	now := r.clock.Now()
	r.history = append(r.history, reading{at: now, val: val})
	r.prune(now)
	r.evaluate(ctx, now)
}

func (r *NonSettling) OnTick(ctx context.Context, now time.Time) {
	r.prune(now)
	if r.state == thrActive {
		r.evaluate(ctx, now)
	}
}

func (r *NonSettling) evaluate(ctx context.Context, now time.Time) {
	cond := r.changeCount() >= r.cfg.MinChangeCount

	switch r.state {
	case thrIdle:
		if !cond {
			return
		}
		r.state = thrArmed
		w := r.window()
		r.addLog("armed at %s (changeCount=%d)", now, r.changeCount())
		if w <= 0 {
			r.activate(ctx, now)
			return
		}
		r.timers.Set(nonSettlingTimerID(r.targetID), now.Add(w), "nonSettling.window", map[string]any{"targetId": r.targetID})
	case thrArmed:
		if cond {
			return
		}
		r.state = thrIdle
		r.timers.Delete(nonSettlingTimerID(r.targetID))
		r.addLog("disarmed, settled before window due")
	case thrActive:
		if !cond {
			r.state = thrIdle
			r.close(ctx, now)
		}
	}
}

func nonSettlingRef(baseOwnID, targetID string) string {
	return baseOwnID + ".nonsettling." + targetID
}

func (r *NonSettling) activate(ctx context.Context, now time.Time) {
	r.state = thrActive
	ref := nonSettlingRef(r.baseOwnID, r.targetID)
	if _, err := r.w.OnUpsert(ctx, ref, writer.UpsertInput{Now: now, TargetID: r.targetID, System: r.baseOwnID}); err != nil {
		r.logger.Printf("nonSettling[%s]: upsert: %v", r.targetID, err)
	}
	r.addLog("active at %s", now)
}

func (r *NonSettling) close(ctx context.Context, now time.Time) {
	ref := nonSettlingRef(r.baseOwnID, r.targetID)
	if err := r.w.OnClose(ctx, ref, closedBy, now); err != nil {
		r.logger.Printf("nonSettling[%s]: close: %v", r.targetID, err)
	}
	r.addLog("settled at %s", now)
}

func (r *NonSettling) OnTimer(ctx context.Context, timer model.Timer) {
	if timer.Kind != "nonSettling.window" {
		return
	}
	if tid, _ := timer.Data["targetId"].(string); tid != r.targetID {
		return
	}
	if r.state != thrArmed {
		return
	}
	r.activate(ctx, r.clock.Now())
}

func (r *NonSettling) Dispose(ctx context.Context) {
	r.timers.Delete(nonSettlingTimerID(r.targetID))
}

var _ Rule = (*NonSettling)(nil)
