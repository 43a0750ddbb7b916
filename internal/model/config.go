package model

import "fmt"

// Mode selects which rule implementation a target's Config drives.
type Mode string

const (
	ModeThreshold   Mode = "threshold"
	ModeFreshness   Mode = "freshness"
	ModeTriggered   Mode = "triggered"
	ModeNonSettling Mode = "nonSettling"
	ModeSession     Mode = "session"
)

// Duration is a (value, unit-seconds) pair. durationMs = value * unitSeconds * 1000.
// unitSeconds of 0 is treated as "not configured" (zero duration).
type Duration struct {
	Value      float64
	UnitSecond float64
}

// Millis returns the duration in milliseconds.
func (d Duration) Millis() int64 {
	return int64(d.Value * d.UnitSecond * 1000)
}

// CompareOp is a threshold/triggered comparison operator.
type CompareOp string

const (
	OpGT  CompareOp = "gt"
	OpGTE CompareOp = "gte"
	OpLT  CompareOp = "lt"
	OpLTE CompareOp = "lte"
	OpEQ  CompareOp = "eq"
	OpNEQ CompareOp = "neq"
)

// Compare evaluates a op b for numeric comparisons.
func (op CompareOp) Compare(a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	default:
		return false
	}
}

// EvaluateBy selects which State timestamp Freshness compares against.
type EvaluateBy string

const (
	EvaluateByTS EvaluateBy = "ts"
	EvaluateByLC EvaluateBy = "lc"
)

// TriggerEdge classifies how a Triggered rule's trigger input is read as a
// boolean edge.
type TriggerEdge string

const (
	TriggerOperator TriggerEdge = "operator"
	TriggerTruthy   TriggerEdge = "truthy"
	TriggerFalsy    TriggerEdge = "falsy"
)

// TriggerValueType selects the comparison type when TriggerEdge is TriggerOperator.
type TriggerValueType string

const (
	TriggerValueNumber TriggerValueType = "valueNumber"
	TriggerValueBool   TriggerValueType = "valueBool"
	TriggerValueString TriggerValueType = "valueString"
)

// TriggeredExpectation selects what must hold within the reaction window.
type TriggeredExpectation string

const (
	ExpectChanged      TriggeredExpectation = "changed"
	ExpectDeltaUp      TriggeredExpectation = "deltaUp"
	ExpectDeltaDown    TriggeredExpectation = "deltaDown"
	ExpectThresholdGte TriggeredExpectation = "thresholdGte"
	ExpectThresholdLte TriggeredExpectation = "thresholdLte"
)

// OnOffActive selects how Session's gate input is read as a boolean.
type OnOffActive string

const (
	OnOffTruthy OnOffActive = "truthy"
	OnOffFalsy  OnOffActive = "falsy"
	OnOffEq     OnOffActive = "eq"
)

// StartGateSemantics selects how Session's gate interacts with startMinHold.
type StartGateSemantics string

const (
	GateThenHold    StartGateSemantics = "gate_then_hold"
	HoldIndependent StartGateSemantics = "hold_independent"
)

// ThresholdConfig is the normalized "thr.*" parameter block.
type ThresholdConfig struct {
	Mode        CompareOp
	Value       float64
	Hysteresis  float64
	MinDuration Duration
}

// FreshnessConfig is the normalized "fresh.*" parameter block.
type FreshnessConfig struct {
	EveryMs    int64
	EvaluateBy EvaluateBy
	// ResetDelay, when non-zero, delays the close after a recovery instead
	// of closing the message immediately.
	ResetDelay Duration
}

// TriggeredConfig is the normalized "trig.*" parameter block.
type TriggeredConfig struct {
	TriggerID   string
	Operator    TriggerEdge
	ValueType   TriggerValueType
	ValueNumber float64
	ValueBool   bool
	ValueString string
	Window      Duration
	Expectation TriggeredExpectation
	MinDelta    float64
	Threshold   float64
}

// NonSettlingConfig is the normalized "settle.*" parameter block.
type NonSettlingConfig struct {
	Window         Duration
	Tolerance      float64
	MinChangeCount int
}

// SessionConfig is the normalized "session.*" parameter block.
type SessionConfig struct {
	StartThreshold  float64
	StopThreshold   float64
	StartMinHold    Duration
	StopDelay       Duration
	OnOffID         string
	OnOffActive     OnOffActive
	OnOffValue      string
	EnergyCounterID string
	PricePerKwhID   string
	EnableGate      bool
	EnableSummary   bool
	StartGate       StartGateSemantics
}

// ManagedMeta identifies ownership of a target's config row.
type ManagedMeta struct {
	ManagedBy string
}

// Config is the normalized, per-target configuration. Exactly one of the
// mode-specific blocks is meaningful, selected by Mode.
type Config struct {
	Enabled bool
	Mode    Mode

	Threshold   ThresholdConfig
	Freshness   FreshnessConfig
	Triggered   TriggeredConfig
	NonSettling NonSettlingConfig
	Session     SessionConfig

	// Msg maps preset role (e.g. "Default", "SessionStart", "SessionEnd",
	// "Triggered") to a preset id. Any normalized key ending in "Id" under
	// the raw "msg-*" block becomes a role here, so new roles need no
	// engine change.
	Msg map[string]string

	ManagedMeta ManagedMeta
}

// PresetID returns the preset id for role, or "" if unset.
func (c Config) PresetID(role string) string {
	return c.Msg[role]
}

// Validate checks the structural invariants: mode is required and must be
// a known value. It does not check preset resolution (that's deferred to
// first emission, where the fallback preset covers gaps).
func (c Config) Validate() error {
	if c.Mode == "" {
		return fmt.Errorf("mode is required")
	}
	switch c.Mode {
	case ModeThreshold, ModeFreshness, ModeTriggered, ModeNonSettling, ModeSession:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}
