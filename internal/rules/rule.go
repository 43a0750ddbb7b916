// Package rules implements the five rule kinds:
// Freshness, Threshold, Triggered, NonSettling, Session. Each rule is a
// small state machine driven by onStateChange/onTick/onTimer events
// dispatched by the engine's OpQueue, and talks to the outside world only
// through a writer.Writer (messages) and a timerservice.Service (durable
// timers), plus the hostapi.Reader that Session uses to read its gate state.
package rules

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/timerservice"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

// maxRuleLogs bounds the per-rule recent-log ring kept for operator
// introspection.
const maxRuleLogs = 200

// Rule is the contract every rule instance satisfies. The engine drives it
// exclusively from within its OpQueue task, so implementations need no
// internal locking.
type Rule interface {
	// TargetID is the external id this rule instance was built for.
	TargetID() string
	// RequiredStateIDs is the set of external state ids this rule needs
	// subscribed, including its trigger/gate/counter/price inputs where
	// applicable.
	RequiredStateIDs() map[string]bool
	// OnStateChange handles an incremental update to one of
	// RequiredStateIDs(). The engine only calls this for ids the rule
	// declared.
	OnStateChange(ctx context.Context, id string, state model.State)
	// OnTick is periodic, time-based evaluation; rules that need no
	// polling may no-op.
	OnTick(ctx context.Context, now time.Time)
	// OnTimer handles a timer this rule previously set; the engine routes
	// each timer to the rule whose target id is stored under "targetId" in
	// the timer's Data, so a rule is never handed another rule's timer.
	OnTimer(ctx context.Context, timer model.Timer)
	// Dispose cancels the rule's owned timers. It must not close messages
	// — a disabled/removed target's messages remain until the user or a
	// future rescan acts on them.
	Dispose(ctx context.Context)
}

// timers is the subset of timerservice.Service a rule needs; kept as an
// interface purely so rule tests can substitute a lighter fake without
// standing up the full durable service. Get lets a freshly built rule see
// whether a durable timer from a previous run is still armed.
type timers interface {
	Set(id string, dueAt time.Time, kind string, data map[string]any)
	Delete(id string)
	Get(id string) (model.Timer, bool)
}

var _ timers = (*timerservice.Service)(nil)

// clock is the minimal time source a rule needs; satisfied by
// hostapi.Clock (and testhost.Clock), declared locally so rules does not
// need to import hostapi just for this one method.
type clock interface {
	Now() time.Time
}

// base holds the dependencies and identity common to every rule
// implementation: the target it was built for, its owning namespace
// (baseOwnID, e.g. "IngestStates.0"), a clock, and the shared timer
// service. Concrete rules embed it.
type base struct {
	targetID  string
	baseOwnID string
	clock     clock
	timers    timers
	trace     bool

	logs []string
}

// addLog appends a bounded recent-log line for operator introspection
// (via internal/adminapi), only while traceEvents is enabled for this
// rule — the ring is a diagnostics supplement and must never influence
// evaluated rule state.
func (b *base) addLog(format string, args ...any) {
	if !b.trace {
		return
	}
	b.logs = append(b.logs, fmt.Sprintf(format, args...))
	if len(b.logs) > maxRuleLogs {
		b.logs = b.logs[len(b.logs)-maxRuleLogs:]
	}
}

// RecentLogs returns a snapshot of this rule's trace ring. Satisfies the
// optional logSource interface engine.Snapshot checks for.
func (b *base) RecentLogs() []string {
	out := make([]string, len(b.logs))
	copy(out, b.logs)
	return out
}

func freshnessRef(baseOwnID, targetID string) string {
	return baseOwnID + ".fresh." + base64.RawURLEncoding.EncodeToString([]byte(targetID))
}

func thresholdRef(baseOwnID, targetID string) string {
	return baseOwnID + ".threshold." + targetID
}

func triggeredRef(baseOwnID, targetID string) string {
	return baseOwnID + ".triggered." + targetID
}

func sessionEndRef(baseOwnID, targetID string) string {
	return baseOwnID + ".session." + targetID
}

func sessionStartRef(baseOwnID, targetID string) string {
	return sessionEndRef(baseOwnID, targetID) + "_start"
}

func freshnessTimerID(targetID string) string    { return "fresh:" + targetID }
func thresholdTimerID(targetID string) string    { return "thr:" + targetID }
func triggeredTimerID(targetID string) string    { return "trig:" + targetID }
func nonSettlingTimerID(targetID string) string  { return "settle:" + targetID }
func sessionStartTimerID(targetID string) string { return "sess:" + targetID + "_start" }
func sessionStopTimerID(targetID string) string  { return "sess:" + targetID + "_stop" }

// asFloat converts a State.Val (or any dynamically-typed host value) to a
// float64 for numeric comparisons. It accepts float64, float32, int and
// int64, and maps bools to 1/0; ok is false for anything else, including
// strings and nil/unknown.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func asBool(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case float64:
		return n != 0
	case string:
		return n != "" && n != "0" && n != "false"
	default:
		return v != nil
	}
}

// evalOnOff reads val as a boolean per the configured on/off active mode.
func evalOnOff(active model.OnOffActive, onOffValue string, val any) bool {
	switch active {
	case model.OnOffFalsy:
		return !asBool(val)
	case model.OnOffEq:
		s, _ := val.(string)
		return s == onOffValue
	default: // truthy
		return asBool(val)
	}
}

// matchesTrigger reports whether val satisfies the Triggered rule's rising
// edge predicate.
func matchesTrigger(cfg model.TriggeredConfig, val any) bool {
	switch cfg.Operator {
	case model.TriggerFalsy:
		return !asBool(val)
	case model.TriggerOperator:
		switch cfg.ValueType {
		case model.TriggerValueNumber:
			n, ok := asFloat(val)
			return ok && n == cfg.ValueNumber
		case model.TriggerValueBool:
			return asBool(val) == cfg.ValueBool
		case model.TriggerValueString:
			s, _ := val.(string)
			return s == cfg.ValueString
		default:
			return false
		}
	default: // truthy
		return asBool(val)
	}
}

// writerLike is the subset of writer.Writer rules use; declared as an
// interface so rule tests can exercise real writer.Writer instances
// against testhost fakes without rules depending on writer's concrete
// struct layout.
type writerLike interface {
	OnUpsert(ctx context.Context, ref string, in writer.UpsertInput) (bool, error)
	OnClose(ctx context.Context, ref string, actor string, now time.Time) error
	OnMetrics(ctx context.Context, ref string, set map[string]model.Metric, del []string, now time.Time, force bool) (bool, error)
	OnDelete(ctx context.Context, ref string) error
}

var _ writerLike = (*writer.Writer)(nil)

const closedBy = "rule"
