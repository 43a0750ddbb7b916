// Package engine implements the rule engine: config
// discovery/rescan, subscription wiring, event routing, and rule
// lifecycle, built on top of opqueue, timerservice, registry,
// subscription, presetcache and the rule/writer packages.
package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/whisper-darkly/ingeststates/internal/model"
)

// normalize converts a raw flat hyphen-keyed config record (as delivered
// under an object row's namespace value, e.g. "thr-mode", "msg-DefaultId")
// into a grouped model.Config. Unknown top-level groups are accepted but
// ignored — new groups should never require an engine change, and an
// unknown field is never a reason to drop the whole record.
func normalize(raw map[string]any) (model.Config, error) {
	groups := make(map[string]map[string]any)
	var enabled bool
	var mode string

	for k, v := range raw {
		switch k {
		case "enabled":
			enabled, _ = v.(bool)
			continue
		case "mode":
			mode, _ = toString(v)
			continue
		}
		group, field, ok := splitFlatKey(k)
		if !ok {
			continue
		}
		g, ok := groups[group]
		if !ok {
			g = make(map[string]any)
			groups[group] = g
		}
		g[field] = v
	}

	cfg := model.Config{
		Enabled: enabled,
		Mode:    model.Mode(mode),
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("normalize: %w", err)
	}

	switch cfg.Mode {
	case model.ModeThreshold:
		cfg.Threshold = normalizeThreshold(groups["thr"])
	case model.ModeFreshness:
		cfg.Freshness = normalizeFreshness(groups["fresh"])
	case model.ModeTriggered:
		cfg.Triggered = normalizeTriggered(groups["trig"])
	case model.ModeNonSettling:
		cfg.NonSettling = normalizeNonSettling(groups["settle"])
	case model.ModeSession:
		cfg.Session = normalizeSession(groups["session"])
	}

	cfg.Msg = normalizeMsg(groups["msg"])
	cfg.ManagedMeta = model.ManagedMeta{ManagedBy: getString(groups["managedMeta"], "managedBy")}

	if err := validateNumbers(cfg); err != nil {
		return model.Config{}, fmt.Errorf("normalize: %w", err)
	}
	return cfg, nil
}

// validateNumbers enforces the numeric invariants that gate rule creation:
// values must be finite and durations non-negative. Violations are
// per-target fatal (the object stays watched, no rule is built).
func validateNumbers(cfg model.Config) error {
	nonNegative := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be finite and non-negative, got %v", name, v)
		}
		return nil
	}
	finite := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite, got %v", name, v)
		}
		return nil
	}

	switch cfg.Mode {
	case model.ModeThreshold:
		t := cfg.Threshold
		for _, c := range []error{
			finite("thr-value", t.Value),
			nonNegative("thr-hysteresis", t.Hysteresis),
			nonNegative("thr-minDurationValue", t.MinDuration.Value),
			nonNegative("thr-minDurationUnit", t.MinDuration.UnitSecond),
		} {
			if c != nil {
				return c
			}
		}
	case model.ModeFreshness:
		if cfg.Freshness.EveryMs <= 0 {
			return fmt.Errorf("fresh-everyMs must be positive, got %d", cfg.Freshness.EveryMs)
		}
	case model.ModeTriggered:
		t := cfg.Triggered
		for _, c := range []error{
			nonNegative("trig-windowValue", t.Window.Value),
			nonNegative("trig-windowUnit", t.Window.UnitSecond),
			nonNegative("trig-minDelta", t.MinDelta),
			finite("trig-threshold", t.Threshold),
		} {
			if c != nil {
				return c
			}
		}
	case model.ModeNonSettling:
		n := cfg.NonSettling
		for _, c := range []error{
			nonNegative("settle-windowValue", n.Window.Value),
			nonNegative("settle-windowUnit", n.Window.UnitSecond),
			nonNegative("settle-tolerance", n.Tolerance),
		} {
			if c != nil {
				return c
			}
		}
		if n.MinChangeCount < 0 {
			return fmt.Errorf("settle-minChangeCount must be non-negative, got %d", n.MinChangeCount)
		}
	case model.ModeSession:
		s := cfg.Session
		for _, c := range []error{
			finite("session-startThreshold", s.StartThreshold),
			finite("session-stopThreshold", s.StopThreshold),
			nonNegative("session-startMinHoldValue", s.StartMinHold.Value),
			nonNegative("session-startMinHoldUnit", s.StartMinHold.UnitSecond),
			nonNegative("session-stopDelayValue", s.StopDelay.Value),
			nonNegative("session-stopDelayUnit", s.StopDelay.UnitSecond),
		} {
			if c != nil {
				return c
			}
		}
	}
	return nil
}

// splitFlatKey splits "thr-mode" into ("thr", "mode"). Keys with no hyphen
// (beyond the already-handled "enabled"/"mode") are dropped — they belong
// to no known group.
func splitFlatKey(k string) (group, field string, ok bool) {
	i := strings.IndexByte(k, '-')
	if i < 0 {
		return "", "", false
	}
	return k[:i], k[i+1:], true
}

func getString(g map[string]any, field string) string {
	if g == nil {
		return ""
	}
	s, _ := toString(g[field])
	return s
}

func getFloat(g map[string]any, field string) float64 {
	if g == nil {
		return 0
	}
	f, _ := toFloat(g[field])
	return f
}

func getBool(g map[string]any, field string) bool {
	if g == nil {
		return false
	}
	b, _ := g[field].(bool)
	return b
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", s), true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func normalizeDuration(g map[string]any, valueField, unitField string) model.Duration {
	return model.Duration{
		Value:      getFloat(g, valueField),
		UnitSecond: getFloat(g, unitField),
	}
}

func normalizeThreshold(g map[string]any) model.ThresholdConfig {
	return model.ThresholdConfig{
		Mode:        model.CompareOp(getString(g, "mode")),
		Value:       getFloat(g, "value"),
		Hysteresis:  getFloat(g, "hysteresis"),
		MinDuration: normalizeDuration(g, "minDurationValue", "minDurationUnit"),
	}
}

func normalizeFreshness(g map[string]any) model.FreshnessConfig {
	everySeconds := getFloat(g, "everySeconds")
	everyMs := int64(getFloat(g, "everyMs"))
	if everyMs == 0 && everySeconds != 0 {
		everyMs = int64(everySeconds * 1000)
	}
	evalBy := model.EvaluateBy(getString(g, "evaluateBy"))
	if evalBy == "" {
		evalBy = model.EvaluateByTS
	}
	return model.FreshnessConfig{
		EveryMs:    everyMs,
		EvaluateBy: evalBy,
		ResetDelay: normalizeDuration(g, "resetDelayValue", "resetDelayUnit"),
	}
}

func normalizeTriggered(g map[string]any) model.TriggeredConfig {
	return model.TriggeredConfig{
		TriggerID:   getString(g, "triggerId"),
		Operator:    model.TriggerEdge(getString(g, "operator")),
		ValueType:   model.TriggerValueType(getString(g, "valueType")),
		ValueNumber: getFloat(g, "valueNumber"),
		ValueBool:   getBool(g, "valueBool"),
		ValueString: getString(g, "valueString"),
		Window:      normalizeDuration(g, "windowValue", "windowUnit"),
		Expectation: model.TriggeredExpectation(getString(g, "expectation")),
		MinDelta:    getFloat(g, "minDelta"),
		Threshold:   getFloat(g, "threshold"),
	}
}

func normalizeNonSettling(g map[string]any) model.NonSettlingConfig {
	return model.NonSettlingConfig{
		Window:         normalizeDuration(g, "windowValue", "windowUnit"),
		Tolerance:      getFloat(g, "tolerance"),
		MinChangeCount: int(getFloat(g, "minChangeCount")),
	}
}

func normalizeSession(g map[string]any) model.SessionConfig {
	startGate := model.StartGateSemantics(getString(g, "startGateSemantics"))
	if startGate == "" {
		startGate = model.GateThenHold
	}
	return model.SessionConfig{
		StartThreshold:  getFloat(g, "startThreshold"),
		StopThreshold:   getFloat(g, "stopThreshold"),
		StartMinHold:    normalizeDuration(g, "startMinHoldValue", "startMinHoldUnit"),
		StopDelay:       normalizeDuration(g, "stopDelayValue", "stopDelayUnit"),
		OnOffID:         getString(g, "onOffId"),
		OnOffActive:     model.OnOffActive(getString(g, "onOffActive")),
		OnOffValue:      getString(g, "onOffValue"),
		EnergyCounterID: getString(g, "energyCounterId"),
		PricePerKwhID:   getString(g, "pricePerKwhId"),
		EnableGate:      getBool(g, "enableGate") || getString(g, "onOffId") != "",
		EnableSummary:   getBool(g, "enableSummary") || getString(g, "energyCounterId") != "",
		StartGate:       startGate,
	}
}

// normalizeMsg builds the preset-role map from any "msg-*Id" flat key, so
// new preset roles need no engine change.
func normalizeMsg(g map[string]any) map[string]string {
	out := make(map[string]string)
	for field, v := range g {
		if !strings.HasSuffix(field, "Id") {
			continue
		}
		s, ok := toString(v)
		if !ok || s == "" {
			continue
		}
		role := strings.TrimSuffix(field, "Id")
		out[role] = s
	}
	return out
}
