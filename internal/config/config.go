// Package config manages the engine's process-level configuration.
// Defaults are loaded from an embedded YAML file; the live config is
// stored in a single host-side row and read/written via the ConfigStore
// interface.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable process-level configuration. The Engine reads
// the rescan, evaluate and metrics intervals and TraceEvents through the
// Options port; TimerFlushDebounceMs and ObjectDebounceMs are stored and
// resolvable there too, but the engine and timer service use their
// built-in delays (1500 ms object debounce, 100 ms timer flush) instead.
// Rule configuration itself is discovered from the host object view, not
// from this file.
type Data struct {
	RescanIntervalMs     int  `json:"rescan_interval_ms"      yaml:"rescan_interval_ms"`
	EvaluateIntervalMs   int  `json:"evaluate_interval_ms"    yaml:"evaluate_interval_ms"`
	MetricsMaxIntervalMs int  `json:"metrics_max_interval_ms" yaml:"metrics_max_interval_ms"`
	TraceEvents          bool `json:"trace_events"            yaml:"trace_events"`

	TimerFlushDebounceMs int `json:"timer_flush_debounce_ms" yaml:"timer_flush_debounce_ms"`
	ObjectDebounceMs     int `json:"object_debounce_ms"      yaml:"object_debounce_ms"`
}

// ConfigStore is the persistence interface for the live config row.
// Implemented by sqlhost/pgstore; defined here to avoid circular imports.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, store-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initialises Global from the store. If the stored row is
// empty/missing, the embedded default YAML is seeded.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persist(ctx, g.data); err != nil {
			return nil, err
		}
		return g, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persist(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the store.
func (g *Global) Set(ctx context.Context, d Data) error {
	if err := g.persist(ctx, d); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}

// Options adapts Global onto hostapi.Options, the narrow read port the
// Engine actually depends on.
type Options struct {
	g *Global
}

// NewOptions wraps g as a hostapi.Options.
func NewOptions(g *Global) *Options { return &Options{g: g} }

var _ hostapi.Options = (*Options)(nil)

func (o *Options) ResolveInt(key string, fallback int) int {
	d := o.g.Get()
	switch key {
	case "rescanIntervalMs":
		if d.RescanIntervalMs != 0 {
			return d.RescanIntervalMs
		}
	case "evaluateIntervalMs":
		if d.EvaluateIntervalMs != 0 {
			return d.EvaluateIntervalMs
		}
	case "metricsMaxIntervalMs":
		if d.MetricsMaxIntervalMs != 0 {
			return d.MetricsMaxIntervalMs
		}
	case "timerFlushDebounceMs":
		if d.TimerFlushDebounceMs != 0 {
			return d.TimerFlushDebounceMs
		}
	case "objectDebounceMs":
		if d.ObjectDebounceMs != 0 {
			return d.ObjectDebounceMs
		}
	}
	return fallback
}

func (o *Options) ResolveBool(key string, fallback bool) bool {
	d := o.g.Get()
	switch key {
	case "traceEvents":
		return d.TraceEvents
	}
	return fallback
}
