package rules

import (
	"context"
	"log"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

type thresholdState int

const (
	thrIdle thresholdState = iota
	thrArmed
	thrActive
)

// Threshold implements an IDLE→ARMED→ACTIVE→IDLE state machine with a
// durable minDuration timer and hysteresis-gated recovery.
type Threshold struct {
	base
	cfg    model.ThresholdConfig
	w      writerLike
	logger *log.Logger

	state thresholdState
}

// NewThreshold constructs a Threshold rule. initial is a best-effort read
// of the target's current state; together with a surviving durable
// minDuration timer it reseeds the ARMED state across a restart, so the
// persisted timer still produces its message when it fires. A surviving
// timer whose condition no longer holds is deleted instead.
func NewThreshold(targetID, baseOwnID string, cfg model.ThresholdConfig, initial model.State, w writerLike, t timers, clk clock, trace bool, logger *log.Logger) *Threshold {
	if logger == nil {
		logger = log.Default()
	}
	r := &Threshold{
		base:   base{targetID: targetID, baseOwnID: baseOwnID, clock: clk, timers: t, trace: trace},
		cfg:    cfg,
		w:      w,
		logger: logger,
	}
	if _, armed := t.Get(thresholdTimerID(targetID)); armed {
		if val, ok := asFloat(initial.Val); ok && !cfg.Mode.Compare(val, cfg.Value) {
			t.Delete(thresholdTimerID(targetID))
		} else {
			r.state = thrArmed
			r.addLog("resumed armed from durable minDuration timer")
		}
	}
	return r
}

func (r *Threshold) TargetID() string { return r.targetID }

func (r *Threshold) RequiredStateIDs() map[string]bool {
	return map[string]bool{r.targetID: true}
}

func (r *Threshold) OnStateChange(ctx context.Context, id string, state model.State) {
	if id != r.targetID {
		return
	}
	val, ok := asFloat(state.Val)
	if !ok {
		return
	}
	now := r.clock.Now()
	cond := r.cfg.Mode.Compare(val, r.cfg.Value)

	switch r.state {
	case thrIdle:
		if !cond {
			return
		}
		r.arm(ctx, now)
	case thrArmed:
		if cond {
			return
		}
		r.disarm()
	case thrActive:
		if recovered(r.cfg.Mode, r.cfg.Value, r.cfg.Hysteresis, val) {
			r.state = thrIdle
			r.close(ctx, now)
		}
	}
}

func (r *Threshold) arm(ctx context.Context, now time.Time) {
	r.state = thrArmed
	minDur := time.Duration(r.cfg.MinDuration.Millis()) * time.Millisecond
	r.addLog("armed at %s (minDuration=%s)", now, minDur)
	if minDur <= 0 {
		r.activate(ctx, now)
		return
	}
	r.timers.Set(thresholdTimerID(r.targetID), now.Add(minDur), "threshold.minDuration", map[string]any{"targetId": r.targetID})
}

func (r *Threshold) disarm() {
	r.state = thrIdle
	r.timers.Delete(thresholdTimerID(r.targetID))
	r.addLog("disarmed before minDuration elapsed")
}

func (r *Threshold) activate(ctx context.Context, now time.Time) {
	r.state = thrActive
	ref := thresholdRef(r.baseOwnID, r.targetID)
	if _, err := r.w.OnUpsert(ctx, ref, writer.UpsertInput{Now: now, TargetID: r.targetID, System: r.baseOwnID}); err != nil {
		r.logger.Printf("threshold[%s]: upsert: %v", r.targetID, err)
	}
	r.addLog("active at %s", now)
}

func (r *Threshold) close(ctx context.Context, now time.Time) {
	ref := thresholdRef(r.baseOwnID, r.targetID)
	if err := r.w.OnClose(ctx, ref, closedBy, now); err != nil {
		r.logger.Printf("threshold[%s]: close: %v", r.targetID, err)
	}
	r.addLog("recovered at %s", now)
}

func (r *Threshold) OnTick(ctx context.Context, now time.Time) {}

func (r *Threshold) OnTimer(ctx context.Context, timer model.Timer) {
	if timer.Kind != "threshold.minDuration" {
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

func (r *Threshold) Dispose(ctx context.Context) {
	r.timers.Delete(thresholdTimerID(r.targetID))
}

var _ Rule = (*Threshold)(nil)

// recovered reports whether val has crossed back across the hysteresis
// band on the side appropriate to mode, ending an ACTIVE episode.
func recovered(mode model.CompareOp, value, hysteresis, val float64) bool {
	switch mode {
	case model.OpGT, model.OpGTE:
		return val <= value-hysteresis
	case model.OpLT, model.OpLTE:
		return val >= value+hysteresis
	case model.OpEQ:
		return val < value-hysteresis || val > value+hysteresis
	case model.OpNEQ:
		return val >= value-hysteresis && val <= value+hysteresis
	default:
		return false
	}
}
