// Package hostapi declares the abstract ports the IngestStates engine
// consumes from its host. Concrete implementations (internal/sqlhost,
// internal/wshost) are reference adapters; the engine itself only ever
// depends on these interfaces.
package hostapi

import (
	"context"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
)

// Bus is the host's foreign-state/object subscription port. Calls are
// best-effort and non-blocking from the caller's point of view; errors
// are logged by the caller and otherwise swallowed.
type Bus interface {
	SubscribeForeignStates(ctx context.Context, id string) error
	UnsubscribeForeignStates(ctx context.Context, id string) error
	SubscribeForeignObjects(ctx context.Context, id string) error
	UnsubscribeForeignObjects(ctx context.Context, id string) error
}

// ObjectRow is one row of the bulk custom-config object view.
type ObjectRow struct {
	ID string
	// Value holds the raw per-namespace config blob for this object, keyed
	// by namespace (e.g. "ingestStates.0" -> raw flat-keyed record).
	Value map[string]map[string]any
}

// Reader is the host's read port for objects and foreign states.
type Reader interface {
	// GetObjectView returns the full custom-config object view in one bulk
	// call.
	GetObjectView(ctx context.Context) ([]ObjectRow, error)
	// GetForeignObject returns the raw object for id, or nil if absent.
	GetForeignObject(ctx context.Context, id string) (map[string]any, error)
	// GetForeignState returns the current state for id, or nil if unknown.
	GetForeignState(ctx context.Context, id string) (*model.State, error)
	// SetForeignState is used only by TimerService for its persistence slot.
	SetForeignState(ctx context.Context, id string, val any, ack bool) error
}

// StoreScope selects which messages GetMessageByRef considers.
type StoreScope string

const (
	ScopeAll       StoreScope = "all"
	ScopeQuasiOpen StoreScope = "quasiOpen"
)

// Store is the host's persistent message store port.
type Store interface {
	GetMessageByRef(ctx context.Context, ref string, scope StoreScope) (*model.Message, error)
	AddMessage(ctx context.Context, msg *model.Message) error
	UpdateMessage(ctx context.Context, ref string, patch map[string]any) error
	CompleteAfterCauseEliminated(ctx context.Context, ref string, actor string, finishedAt time.Time) error
	RemoveMessage(ctx context.Context, ref string) error
}

// Factory validates and normalizes fields into a new Message. It returns
// nil (no error) on invalid input.
type Factory interface {
	CreateMessage(fields model.Message) *model.Message
}

// Options is the host's config-resolution port.
type Options interface {
	ResolveInt(key string, fallback int) int
	ResolveBool(key string, fallback bool) bool
}

// TimerHandle cancels a scheduled wake. Calling it more than once is safe.
type TimerHandle interface {
	Stop()
}

// Resources is the host's timer/interval port.
type Resources interface {
	SetInterval(cb func(), d time.Duration) TimerHandle
	SetTimeout(cb func(), d time.Duration) TimerHandle
}

// ManagedObjects is the host's ownership-reporting port.
type ManagedObjects interface {
	Report(ctx context.Context, id string, meta map[string]any)
	ApplyReported(ctx context.Context)
}

// PresetSource resolves a preset by id and reports preset-state changes.
type PresetSource interface {
	ResolvePreset(ctx context.Context, presetID string) (*model.Preset, error)
	// SubscribePresetState arranges for changes to presetID's backing state
	// to reach the engine through its normal state-change routing
	// (OnStateChange); concrete hosts typically implement this via Bus.
	SubscribePresetState(ctx context.Context, presetID string) error
	UnsubscribePresetState(ctx context.Context, presetID string) error
}

// Clock is the engine's time source, abstracted for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
