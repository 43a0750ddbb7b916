package rules

import (
	"context"
	"log"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

// Freshness detects a monitored state going silent for longer than
// everyMs.
type Freshness struct {
	base
	cfg    model.FreshnessConfig
	w      writerLike
	logger *log.Logger

	lastSeen  time.Time
	violating bool
}

// NewFreshness constructs a Freshness rule. initial is a best-effort seed
// for lastSeen from a state read at construction; it may be the zero
// State if unknown.
func NewFreshness(targetID, baseOwnID string, cfg model.FreshnessConfig, initial model.State, w writerLike, t timers, clk clock, trace bool, logger *log.Logger) *Freshness {
	if logger == nil {
		logger = log.Default()
	}
	f := &Freshness{
		base:   base{targetID: targetID, baseOwnID: baseOwnID, clock: clk, timers: t, trace: trace},
		cfg:    cfg,
		w:      w,
		logger: logger,
	}
	if !initial.Unknown() {
		f.lastSeen = f.seenAt(initial)
	}
	return f
}

func (f *Freshness) seenAt(s model.State) time.Time {
	if f.cfg.EvaluateBy == model.EvaluateByLC {
		return s.LC
	}
	return s.TS
}

func (f *Freshness) TargetID() string { return f.targetID }

func (f *Freshness) RequiredStateIDs() map[string]bool {
	return map[string]bool{f.targetID: true}
}

func (f *Freshness) OnStateChange(ctx context.Context, id string, state model.State) {
	if id != f.targetID {
		return
	}
	f.lastSeen = f.seenAt(state)
	if f.violating {
		f.recover(ctx, f.clock.Now())
	}
}

func (f *Freshness) OnTick(ctx context.Context, now time.Time) {
	if f.violating {
		return
	}
	if f.lastSeen.IsZero() {
		return
	}
	if now.Sub(f.lastSeen) > time.Duration(f.cfg.EveryMs)*time.Millisecond {
		f.violating = true
		ref := freshnessRef(f.baseOwnID, f.targetID)
		_, err := f.w.OnUpsert(ctx, ref, writer.UpsertInput{Now: now, TargetID: f.targetID, System: f.baseOwnID})
		if err != nil {
			f.logger.Printf("freshness[%s]: upsert: %v", f.targetID, err)
		}
		f.addLog("violation at %s (lastSeen=%s)", now, f.lastSeen)
	}
}

func (f *Freshness) recover(ctx context.Context, now time.Time) {
	f.violating = false
	if delay := time.Duration(f.cfg.ResetDelay.Millis()) * time.Millisecond; delay > 0 {
		f.timers.Set(freshnessTimerID(f.targetID), now.Add(delay), "freshness.resetDelay", map[string]any{"targetId": f.targetID})
		f.addLog("recovered at %s, reset delay %s pending", now, delay)
		return
	}
	f.close(ctx, now)
}

func (f *Freshness) close(ctx context.Context, now time.Time) {
	ref := freshnessRef(f.baseOwnID, f.targetID)
	if err := f.w.OnClose(ctx, ref, closedBy, now); err != nil {
		f.logger.Printf("freshness[%s]: close: %v", f.targetID, err)
	}
	f.addLog("closed at %s", now)
}

func (f *Freshness) OnTimer(ctx context.Context, timer model.Timer) {
	if timer.Kind != "freshness.resetDelay" {
		return
	}
	if tid, _ := timer.Data["targetId"].(string); tid != f.targetID {
		return
	}
	f.close(ctx, f.clock.Now())
}

func (f *Freshness) Dispose(ctx context.Context) {
	f.timers.Delete(freshnessTimerID(f.targetID))
}

var _ Rule = (*Freshness)(nil)
