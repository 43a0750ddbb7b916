package rules

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

// ErrInvalidSessionThresholds is returned by NewSession when
// startThreshold <= stopThreshold; the engine logs a warning and skips
// building the rule for this target.
var ErrInvalidSessionThresholds = errors.New("rules: session startThreshold must be greater than stopThreshold")

// defaultGateCooldown is the minimum wait before retrying a still-unknown
// gate read.
const defaultGateCooldown = 30 * time.Second

type sessionLifecycle int

const (
	sessionInactive sessionLifecycle = iota
	sessionArmedStart
	sessionActive
	sessionArmedStop
)

// Session infers start/stop on a quasi-continuous numeric stream, with an
// optional gate and an optional energy-counter/price summary.
type Session struct {
	base
	cfg    model.SessionConfig
	reader hostapi.Reader
	wStart writerLike
	wEnd   writerLike
	logger *log.Logger

	state sessionLifecycle

	gateKnown        bool
	gateActive       bool
	gateUnknownSince time.Time
	gateCooldown     time.Duration

	target  model.State
	counter model.State
	price   model.State

	startAt         time.Time
	counterStartVal float64
	counterStartOK  bool
}

// NewSession constructs a Session rule. reader is used only for the
// one-shot best-effort gate re-read when the gate has never been observed.
func NewSession(targetID, baseOwnID string, cfg model.SessionConfig, reader hostapi.Reader, wStart, wEnd writerLike, t timers, clk clock, trace bool, logger *log.Logger) (*Session, error) {
	if cfg.StartThreshold <= cfg.StopThreshold {
		return nil, ErrInvalidSessionThresholds
	}
	if logger == nil {
		logger = log.Default()
	}
	cooldown := defaultGateCooldown
	s := &Session{
		base:         base{targetID: targetID, baseOwnID: baseOwnID, clock: clk, timers: t, trace: trace},
		cfg:          cfg,
		reader:       reader,
		wStart:       wStart,
		wEnd:         wEnd,
		logger:       logger,
		gateCooldown: cooldown,
		gateKnown:    !cfg.EnableGate || cfg.OnOffID == "",
		gateActive:   true,
	}
	return s, nil
}

func (s *Session) TargetID() string { return s.targetID }

func (s *Session) RequiredStateIDs() map[string]bool {
	ids := map[string]bool{s.targetID: true}
	if s.cfg.EnableGate && s.cfg.OnOffID != "" {
		ids[s.cfg.OnOffID] = true
	}
	if s.cfg.EnableSummary {
		if s.cfg.EnergyCounterID != "" {
			ids[s.cfg.EnergyCounterID] = true
		}
		if s.cfg.PricePerKwhID != "" {
			ids[s.cfg.PricePerKwhID] = true
		}
	}
	return ids
}

// Start performs the gate's initial best-effort read, if a gate is
// configured and has not yet been observed via push updates. The engine
// calls this once, right after construction.
func (s *Session) Start(ctx context.Context) {
	if !s.cfg.EnableGate || s.cfg.OnOffID == "" || s.gateKnown {
		return
	}
	s.probeGate(ctx)
}

func (s *Session) probeGate(ctx context.Context) {
	st, err := s.reader.GetForeignState(ctx, s.cfg.OnOffID)
	if err != nil {
		s.logger.Printf("session[%s]: gate read %s: %v", s.targetID, s.cfg.OnOffID, err)
	}
	if err == nil && st != nil && !st.Unknown() {
		s.gateKnown = true
		s.gateActive = evalOnOff(s.cfg.OnOffActive, s.cfg.OnOffValue, st.Val)
		s.evaluate(ctx, s.clock.Now())
		return
	}
	if s.gateUnknownSince.IsZero() {
		s.gateUnknownSince = s.clock.Now()
	}
	if s.clock.Now().Sub(s.gateUnknownSince) >= s.gateCooldown {
		s.logger.Printf("session[%s]: gate %s still unknown after cooldown, deferring start", s.targetID, s.cfg.OnOffID)
	}
	s.timers.Set(sessionGateTimerID(s.targetID), s.clock.Now().Add(s.gateCooldown), "session.gateUnknown", map[string]any{"targetId": s.targetID})
}

func sessionGateTimerID(targetID string) string { return "sess:" + targetID + "_gate" }

func (s *Session) OnStateChange(ctx context.Context, id string, state model.State) {
	now := s.clock.Now()
	switch id {
	case s.targetID:
		s.target = state
		s.evaluate(ctx, now)
	case s.cfg.OnOffID:
		s.gateKnown = !state.Unknown()
		if s.gateKnown {
			s.gateActive = evalOnOff(s.cfg.OnOffActive, s.cfg.OnOffValue, state.Val)
			s.gateUnknownSince = time.Time{}
			s.timers.Delete(sessionGateTimerID(s.targetID))
			s.evaluate(ctx, now)
		}
	case s.cfg.EnergyCounterID:
		s.counter = state
	case s.cfg.PricePerKwhID:
		s.price = state
	}
}

func (s *Session) gateOn() bool {
	if !s.cfg.EnableGate || s.cfg.OnOffID == "" {
		return true
	}
	return s.gateKnown && s.gateActive
}

func (s *Session) evaluate(ctx context.Context, now time.Time) {
	if s.cfg.EnableGate && s.cfg.OnOffID != "" && !s.gateKnown {
		return
	}
	val, ok := asFloat(s.target.Val)
	if !ok {
		return
	}

	switch s.state {
	case sessionInactive:
		if !s.gateOn() {
			return
		}
		if val <= s.cfg.StartThreshold {
			return
		}
		s.armStart(ctx, now)
	case sessionArmedStart:
		if s.cfg.StartGate == model.GateThenHold && !s.gateOn() {
			s.disarmStart()
			return
		}
		if val <= s.cfg.StartThreshold {
			s.disarmStart()
		}
	case sessionActive, sessionArmedStop:
		if !s.gateOn() {
			s.end(ctx, now)
			return
		}
		if val < s.cfg.StopThreshold {
			if s.state != sessionArmedStop {
				s.armStop(ctx, now)
			}
		} else if s.state == sessionArmedStop {
			s.disarmStop()
		}
	}
}

func (s *Session) armStart(ctx context.Context, now time.Time) {
	s.state = sessionArmedStart
	hold := time.Duration(s.cfg.StartMinHold.Millis()) * time.Millisecond
	if hold <= 0 {
		s.activate(ctx, now)
		return
	}
	s.timers.Set(sessionStartTimerID(s.targetID), now.Add(hold), "session.startHold", map[string]any{"targetId": s.targetID})
}

func (s *Session) disarmStart() {
	s.state = sessionInactive
	s.timers.Delete(sessionStartTimerID(s.targetID))
}

func (s *Session) armStop(ctx context.Context, now time.Time) {
	s.state = sessionArmedStop
	delay := time.Duration(s.cfg.StopDelay.Millis()) * time.Millisecond
	if delay <= 0 {
		s.end(ctx, now)
		return
	}
	s.timers.Set(sessionStopTimerID(s.targetID), now.Add(delay), "session.stopDelay", map[string]any{"targetId": s.targetID})
}

func (s *Session) disarmStop() {
	s.state = sessionActive
	s.timers.Delete(sessionStopTimerID(s.targetID))
}

func lastSegment(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// activate transitions into ACTIVE, force-closing any stale open
// SessionEnd left by a prior run (sessions never survive a restart)
// before emitting a fresh SessionStart.
func (s *Session) activate(ctx context.Context, now time.Time) {
	s.state = sessionActive
	s.startAt = now

	endRef := sessionEndRef(s.baseOwnID, s.targetID)
	if err := s.wEnd.OnClose(ctx, endRef, closedBy, now); err != nil {
		s.logger.Printf("session[%s]: restart-safety close: %v", s.targetID, err)
	}

	metrics := map[string]model.Metric{
		"state-name":    {Val: lastSegment(s.targetID)},
		"session-start": {Val: now.UnixMilli(), Unit: "ms"},
	}
	if s.cfg.EnableSummary {
		if v, ok := asFloat(s.counter.Val); ok {
			s.counterStartVal = v
			s.counterStartOK = true
			metrics["session-startval"] = model.Metric{Val: v}
		} else {
			s.counterStartOK = false
		}
	}

	startRef := sessionStartRef(s.baseOwnID, s.targetID)
	if _, err := s.wStart.OnUpsert(ctx, startRef, writer.UpsertInput{Now: now, StartAt: now, TargetID: s.targetID, System: s.baseOwnID, Metrics: metrics}); err != nil {
		s.logger.Printf("session[%s]: session start upsert: %v", s.targetID, err)
	}
	s.addLog("session started at %s", now)
}

// end transitions back to INACTIVE, always emitting a SessionEnd message
// and then deleting the SessionStart message.
func (s *Session) end(ctx context.Context, now time.Time) {
	s.state = sessionInactive
	s.timers.Delete(sessionStartTimerID(s.targetID))
	s.timers.Delete(sessionStopTimerID(s.targetID))

	metrics := map[string]model.Metric{
		"state-name": {Val: lastSegment(s.targetID)},
	}
	if s.cfg.EnableSummary && s.counterStartOK {
		if v, ok := asFloat(s.counter.Val); ok {
			delta := v - s.counterStartVal
			metrics["session-counter"] = model.Metric{Val: delta}
			if p, ok := asFloat(s.price.Val); ok {
				metrics["session-cost"] = model.Metric{Val: delta * p}
			}
		}
	}

	endRef := sessionEndRef(s.baseOwnID, s.targetID)
	if _, err := s.wEnd.OnUpsert(ctx, endRef, writer.UpsertInput{Now: now, StartAt: s.startAt, TargetID: s.targetID, System: s.baseOwnID, Metrics: metrics}); err != nil {
		s.logger.Printf("session[%s]: session end upsert: %v", s.targetID, err)
	}

	startRef := sessionStartRef(s.baseOwnID, s.targetID)
	if err := s.wStart.OnDelete(ctx, startRef); err != nil {
		s.logger.Printf("session[%s]: session start delete: %v", s.targetID, err)
	}
	s.addLog("session ended at %s (started %s)", now, s.startAt)
}

func (s *Session) OnTick(ctx context.Context, now time.Time) {}

func (s *Session) OnTimer(ctx context.Context, timer model.Timer) {
	tid, _ := timer.Data["targetId"].(string)
	if tid != s.targetID {
		return
	}
	now := s.clock.Now()
	switch timer.Kind {
	case "session.startHold":
		if s.state != sessionArmedStart {
			return
		}
		val, ok := asFloat(s.target.Val)
		if !ok || val <= s.cfg.StartThreshold {
			s.state = sessionInactive
			return
		}
		if s.cfg.StartGate == model.GateThenHold && !s.gateOn() {
			s.state = sessionInactive
			return
		}
		s.activate(ctx, now)
	case "session.stopDelay":
		if s.state != sessionArmedStop {
			return
		}
		s.end(ctx, now)
	case "session.gateUnknown":
		s.probeGate(ctx)
	}
}

func (s *Session) Dispose(ctx context.Context) {
	s.timers.Delete(sessionStartTimerID(s.targetID))
	s.timers.Delete(sessionStopTimerID(s.targetID))
	s.timers.Delete(sessionGateTimerID(s.targetID))
}

var _ Rule = (*Session)(nil)
