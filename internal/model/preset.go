package model

import (
	"encoding/json"
	"time"
)

// PresetTiming is the timing block a preset contributes to a Message.
type PresetTiming struct {
	RemindEvery time.Duration `json:"remindEvery,omitempty"`
	Cooldown    time.Duration `json:"cooldown,omitempty"`
	TimeBudget  time.Duration `json:"timeBudget,omitempty"`
	// DueIn is added to "now" to compute timing.dueAt when the preset is
	// applied.
	DueIn time.Duration `json:"dueIn,omitempty"`
}

// PresetPolicy controls MessageWriter.onClose behavior for messages using
// this preset.
type PresetPolicy struct {
	// ResetOnNormal false means onClose keeps the message open (silent
	// "normal" close: ensure a close action, clear remindEvery, push
	// notifyAt far out) instead of calling completeAfterCauseEliminated.
	ResetOnNormal bool `json:"resetOnNormal"`
}

// Preset is a message template resolved by id via the PresetCache.
type Preset struct {
	ID string `json:"id"`

	Kind     Kind           `json:"kind"`
	Level    Level          `json:"level"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Audience string         `json:"audience,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Actions  []Action       `json:"actions,omitempty"`
	Timing   PresetTiming   `json:"timing"`

	Policy PresetPolicy `json:"policy"`
}

// ParsePreset decodes a host-provided preset object (the same raw
// map[string]any shape GetForeignObject returns) into a Preset, via a
// JSON round trip rather than ad hoc field-by-field assertions — presets
// are whole JSON documents, not flat hyphen-keyed config records like rule
// configs (see internal/engine's normalize).
func ParsePreset(id string, raw map[string]any) (*Preset, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var p Preset
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = id
	}
	return &p, nil
}

// FallbackPreset is the built-in preset used when a rule needs to emit a
// message but has no (or an invalid) configured preset for the role. It is
// never user-editable and always resolves.
var FallbackPreset = Preset{
	ID:    "__fallback__",
	Kind:  KindStatus,
	Level: 20,
	Title: "Notification",
	Text:  "A monitored condition changed.",
	Actions: []Action{
		{ID: "ack", Type: ActionAck},
		{ID: "snooze", Type: ActionSnooze},
		{ID: "close", Type: ActionClose},
	},
	Policy: PresetPolicy{ResetOnNormal: true},
}
