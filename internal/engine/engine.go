package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/opqueue"
	"github.com/whisper-darkly/ingeststates/internal/presetcache"
	"github.com/whisper-darkly/ingeststates/internal/registry"
	"github.com/whisper-darkly/ingeststates/internal/rules"
	"github.com/whisper-darkly/ingeststates/internal/subscription"
	"github.com/whisper-darkly/ingeststates/internal/timerservice"
)

// debounceObjectRescan is how long the engine waits after an object change
// notification before actually rescanning, coalescing bursts of edits into
// one pass.
const debounceObjectRescan = 1500 * time.Millisecond

// Preset roles the engine knows how to bind a rule's message writer to:
// any "msg-*Id" key becomes a role of the same name (minus the "Id"
// suffix); these four are the ones the shipped rule set actually reads.
const (
	RoleDefault      = "Default"
	RoleTriggered    = "Triggered"
	RoleSessionStart = "SessionStart"
	RoleSessionEnd   = "SessionEnd"
)

// Config is the set of host ports and options an Engine is built from.
type Config struct {
	Bus            hostapi.Bus
	Reader         hostapi.Reader
	Store          hostapi.Store
	Factory        hostapi.Factory
	Options        hostapi.Options
	Resources      hostapi.Resources
	ManagedObjects hostapi.ManagedObjects
	PresetSource   hostapi.PresetSource
	Clock          hostapi.Clock

	// Namespace is this engine instance's own id prefix, e.g.
	// "ingestStates.0". It is used for: the own-object rescan guard, the
	// raw-config lookup key within an object row's per-namespace value map,
	// the preset-state subscription prefix, the TimerService persistence
	// slot id, and the message ref prefix.
	Namespace string
	// ManagedBy is compared against a target's managedMeta.managedBy;
	// foreign-owned targets are skipped. Defaults to Namespace if empty.
	ManagedBy string

	RescanIntervalMs   int
	EvaluateIntervalMs int
	MetricsMaxInterval time.Duration
	TraceEvents        bool

	Logger *log.Logger
}

// Engine is the IngestStates rule engine. It scans
// rule configs, builds/replaces rule instances, wires state/object
// subscriptions, routes events, ticks periodically, and coordinates
// shutdown — all mutation happens inside its OpQueue task line.
type Engine struct {
	cfg    Config
	logger *log.Logger

	opq      *opqueue.Queue
	timers   *timerservice.Service
	registry *registry.Registry
	subs     *subscription.Manager
	presets  *presetcache.Cache

	mu      sync.Mutex
	running bool

	// configs holds the last successfully-applied normalized Config per
	// target, so an unchanged rescan reuses the live rule instance instead
	// of rebuilding it and losing in-flight state-machine progress (armed
	// timers, session baselines, ...).
	configs map[string]model.Config

	rescanInterval hostapi.TimerHandle
	tickInterval   hostapi.TimerHandle
	debounce       hostapi.TimerHandle
}

// New constructs an Engine. Call Start to begin scanning and dispatching.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "ingeststates/engine: ", log.LstdFlags)
	}
	if cfg.ManagedBy == "" {
		cfg.ManagedBy = cfg.Namespace
	}
	if cfg.Clock == nil {
		cfg.Clock = hostapi.SystemClock{}
	}
	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		configs: make(map[string]model.Config),
	}
}

// SetBus wires the Bus port after construction: the concrete Bus (e.g.
// wshost.Client) is built from a Handler whose callbacks are the Engine's
// own methods, so it must be constructed after New returns. Call before
// Start.
func (e *Engine) SetBus(bus hostapi.Bus) { e.cfg.Bus = bus }

func (e *Engine) timerSlotID() string       { return e.cfg.Namespace + ".timers" }
func (e *Engine) presetStatePrefix() string { return e.cfg.Namespace + ".presets." }

// Start initializes the OpQueue, starts the TimerService, enqueues the
// initial rescan, and arms the periodic rescan/tick intervals configured
// via Options.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.opq = opqueue.New(e.logger)
	e.registry = registry.New()
	e.subs = subscription.New(e.cfg.Bus, e.logger)
	e.presets = presetcache.New(e.cfg.PresetSource, e.logger)
	e.timers = timerservice.New(e.cfg.Reader, e.cfg.Resources, e.cfg.Clock, e.timerSlotID(), e.onTimerDue, e.logger)
	e.timers.Start(ctx)

	if e.cfg.MetricsMaxInterval <= 0 {
		e.cfg.MetricsMaxInterval = time.Duration(e.cfg.Options.ResolveInt("metricsMaxIntervalMs", 0)) * time.Millisecond
	}
	// metricsMaxIntervalMs is documented as 5s–3h; clamp rather than reject.
	if e.cfg.MetricsMaxInterval > 0 {
		if e.cfg.MetricsMaxInterval < 5*time.Second {
			e.cfg.MetricsMaxInterval = 5 * time.Second
		}
		if e.cfg.MetricsMaxInterval > 3*time.Hour {
			e.cfg.MetricsMaxInterval = 3 * time.Hour
		}
	}
	if !e.cfg.TraceEvents {
		e.cfg.TraceEvents = e.cfg.Options.ResolveBool("traceEvents", false)
	}

	e.opq.Submit(func(ctx context.Context) { e.rescan(ctx, "start") })
	e.opq.Submit(func(ctx context.Context) { e.reconcileTimers() })

	rescanMs := e.cfg.RescanIntervalMs
	if rescanMs <= 0 {
		rescanMs = e.cfg.Options.ResolveInt("rescanIntervalMs", 0)
	}
	if rescanMs > 0 {
		e.rescanInterval = e.cfg.Resources.SetInterval(func() {
			e.opq.Submit(func(ctx context.Context) { e.rescan(ctx, "interval") })
		}, time.Duration(rescanMs)*time.Millisecond)
	}

	evalMs := e.cfg.EvaluateIntervalMs
	if evalMs <= 0 {
		evalMs = e.cfg.Options.ResolveInt("evaluateIntervalMs", 0)
	}
	if evalMs > 0 {
		e.tickInterval = e.cfg.Resources.SetInterval(func() {
			e.opq.Submit(e.tick)
		}, time.Duration(evalMs)*time.Millisecond)
	}
}

// reconcileTimers cross-checks the timers reloaded from the persistence
// blob against the rules the initial rescan built. A timer whose target no
// longer has a rule is orphaned (config changed while the engine was down);
// it is logged and left alone — its fire will find no rule and be dropped,
// and the next flush ages it out of the blob.
func (e *Engine) reconcileTimers() {
	for _, t := range e.timers.All() {
		targetID, _ := t.Data["targetId"].(string)
		if targetID == "" || e.registry.RuleByTarget(targetID) == nil {
			e.logger.Printf("start: timer %s (%s) has no owning rule after rescan", t.ID, t.Kind)
		}
	}
}

// Stop cancels pending intervals/debounce and in-memory timer wakes,
// unsubscribes everything, disposes all rules, and clears indexes.
// Timers that fire after Stop are dropped.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	debounce := e.debounce
	e.debounce = nil
	e.mu.Unlock()

	if e.rescanInterval != nil {
		e.rescanInterval.Stop()
	}
	if e.tickInterval != nil {
		e.tickInterval.Stop()
	}
	if debounce != nil {
		debounce.Stop()
	}
	e.timers.Stop()

	done := make(chan struct{})
	e.opq.Submit(func(ctx context.Context) {
		for _, r := range e.registry.AllRules() {
			if rule, ok := r.(rules.Rule); ok {
				rule.Dispose(ctx)
			}
		}
		e.subs.ApplyStates(ctx, nil, setKeys(e.registry.SubscribedStateIDs()))
		e.subs.ApplyObjects(ctx, nil, setKeys(e.registry.WatchedObjectIDs()))
		e.registry.Clear()
		close(done)
	})
	<-done
	e.opq.Stop()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// OnStateChange routes an external state change to every rule subscribed
// to id, and detects preset-state changes to refresh the PresetCache. It
// enqueues work and returns immediately — it must never block the host
// bus.
func (e *Engine) OnStateChange(id string, state model.State) {
	if !e.isRunning() {
		return
	}
	e.opq.Submit(func(ctx context.Context) {
		if strings.HasPrefix(id, e.presetStatePrefix()) {
			presetID := strings.TrimPrefix(id, e.presetStatePrefix())
			e.presets.Reload(ctx, presetID)
		}
		for _, r := range e.registry.RulesByState(id) {
			rule, ok := r.(rules.Rule)
			if !ok {
				continue
			}
			rule.OnStateChange(ctx, id, state)
		}
	})
}

// OnObjectChange debounces a rescan in response to a config object edit.
// The debounce handle is guarded by e.mu since
// object changes arrive from the bus goroutine while Stop may run on
// another.
func (e *Engine) OnObjectChange(id string, obj map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = e.cfg.Resources.SetTimeout(func() {
		e.opq.Submit(func(ctx context.Context) { e.rescan(ctx, "object:"+id) })
	}, debounceObjectRescan)
}

// tick dispatches periodic time-based evaluation to every rule.
func (e *Engine) tick(ctx context.Context) {
	now := e.cfg.Clock.Now()
	for _, r := range e.registry.AllRules() {
		if rule, ok := r.(rules.Rule); ok {
			rule.OnTick(ctx, now)
		}
	}
}

// onTimerDue is TimerService's fire callback; it looks up the owning
// rule by the targetId carried in the timer's opaque data and forwards
// the timer to it, submitted onto the OpQueue so it never interleaves
// with a rescan or another event.
func (e *Engine) onTimerDue(t model.Timer) {
	e.opq.Submit(func(ctx context.Context) {
		targetID, _ := t.Data["targetId"].(string)
		if targetID == "" {
			return
		}
		r := e.registry.RuleByTarget(targetID)
		if r == nil {
			return
		}
		rule, ok := r.(rules.Rule)
		if !ok {
			return
		}
		rule.OnTimer(ctx, t)
	})
}

// RuleInfo is an operator-facing snapshot of one indexed rule.
type RuleInfo struct {
	TargetID         string
	Kind             string
	RequiredStateIDs []string
	// RecentLogs is the rule's bounded trace-log ring, populated only when
	// the rule implements logSource and traceEvents was enabled for it;
	// nil otherwise.
	RecentLogs []string
}

// logSource is satisfied by any rule that keeps a recent-log ring for
// operator introspection (internal/rules.base.RecentLogs).
type logSource interface {
	RecentLogs() []string
}

// Snapshot is a point-in-time, operator-facing view of engine state,
// returned by Snapshot.
type Snapshot struct {
	Rules      []RuleInfo
	Timers     []model.Timer
	PresetKeys []string
}

// Snapshot runs on the OpQueue so it never races a rescan or tick, and
// returns a consistent point-in-time view for internal/adminapi.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	if !e.isRunning() {
		return Snapshot{}
	}
	result := make(chan Snapshot, 1)
	e.opq.Submit(func(ctx context.Context) {
		rules := e.registry.AllRules()
		infos := make([]RuleInfo, 0, len(rules))
		for _, r := range rules {
			info := RuleInfo{
				TargetID:         r.TargetID(),
				Kind:             fmt.Sprintf("%T", r),
				RequiredStateIDs: setKeys(r.RequiredStateIDs()),
			}
			if ls, ok := r.(logSource); ok {
				info.RecentLogs = ls.RecentLogs()
			}
			infos = append(infos, info)
		}
		result <- Snapshot{
			Rules:      infos,
			Timers:     e.timers.All(),
			PresetKeys: e.presets.Keys(),
		}
	})
	select {
	case s := <-result:
		return s
	case <-ctx.Done():
		return Snapshot{}
	}
}

// TriggerRescan enqueues an immediate rescan, the same path periodic
// rescans and object-change debounces use, for an operator-requested
// refresh via internal/adminapi.
func (e *Engine) TriggerRescan() {
	if !e.isRunning() {
		return
	}
	e.opq.Submit(func(ctx context.Context) { e.rescan(ctx, "admin") })
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
