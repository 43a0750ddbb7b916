package engine

import (
	"context"
	"reflect"
	"strings"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/rules"
	"github.com/whisper-darkly/ingeststates/internal/writer"
)

// rescan reads the full config object view, rebuilds the rule set, and
// diffs subscriptions/presets against the previous pass. It always runs
// inside an OpQueue task, so it never races a concurrent state/timer
// dispatch or another rescan.
func (e *Engine) rescan(ctx context.Context, reason string) {
	if e.cfg.TraceEvents {
		e.logger.Printf("rescan: starting (%s)", reason)
	}

	rows, err := e.cfg.Reader.GetObjectView(ctx)
	if err != nil {
		e.logger.Printf("rescan: get object view: %v", err)
		return
	}

	newWatched := make(map[string]bool)
	newRules := make(map[string]rules.Rule)
	newStateIDs := make(map[string]bool)
	newPresetIDs := make(map[string]bool)
	newConfigs := make(map[string]model.Config)

	ownPrefix := e.cfg.Namespace + "."
	for _, row := range rows {
		if row.ID == e.cfg.Namespace || strings.HasPrefix(row.ID, ownPrefix) {
			continue // own-object guard: never build a rule for our own ids
		}

		raw, ok := row.Value[e.cfg.Namespace]
		if !ok {
			continue
		}

		cfg, err := normalize(raw)
		if err != nil {
			e.logger.Printf("rescan: %s: %v", row.ID, err)
			newWatched[row.ID] = true // ConfigInvalid: keep watched, don't build
			continue
		}

		if !cfg.Enabled {
			newWatched[row.ID] = true
			continue
		}

		if cfg.ManagedMeta.ManagedBy != "" && cfg.ManagedMeta.ManagedBy != e.cfg.ManagedBy {
			if e.cfg.TraceEvents {
				e.logger.Printf("rescan: %s: managed by %q, skipping", row.ID, cfg.ManagedMeta.ManagedBy)
			}
			continue // foreign-owned: not watched, not subscribed
		}

		newWatched[row.ID] = true

		var rule rules.Rule
		if prev, had := e.configs[row.ID]; had && reflect.DeepEqual(prev, cfg) {
			if existing := e.registry.RuleByTarget(row.ID); existing != nil {
				if r, ok := existing.(rules.Rule); ok {
					rule = r
				}
			}
		}
		if rule == nil {
			// A changed config replaces the live rule. Dispose it first so
			// its timers are gone before the new build probes for durable
			// ones; only a genuine restart may resume a surviving timer.
			if prev := e.registry.RuleByTarget(row.ID); prev != nil {
				if pr, ok := prev.(rules.Rule); ok {
					pr.Dispose(ctx)
				}
			}
			built, err := e.buildRule(ctx, cfg, row.ID)
			if err != nil {
				e.logger.Printf("rescan: %s: build rule: %v", row.ID, err)
				continue // ConfigInvalid-equivalent: per-target fatal, object stays watched
			}
			rule = built
		}

		newRules[row.ID] = rule
		newConfigs[row.ID] = cfg
		for id := range rule.RequiredStateIDs() {
			newStateIDs[id] = true
		}
		for _, pid := range cfg.Msg {
			if pid != "" {
				newPresetIDs[pid] = true
			}
		}
		e.cfg.ManagedObjects.Report(ctx, row.ID, map[string]any{
			"managedBy": e.cfg.ManagedBy,
			"mode":      string(cfg.Mode),
		})
	}

	// Dispose rules whose target disappeared entirely. Replaced rules were
	// already disposed above, before their successor was built; reused
	// instances are kept as-is.
	for _, r := range e.registry.AllRules() {
		rule, ok := r.(rules.Rule)
		if !ok {
			continue
		}
		if _, kept := newRules[r.TargetID()]; kept {
			continue
		}
		rule.Dispose(ctx)
	}

	oldStateIDs := e.registry.SubscribedStateIDs()
	oldObjectIDs := e.registry.WatchedObjectIDs()
	e.subs.SyncStates(ctx, oldStateIDs, newStateIDs)
	e.subs.SyncObjects(ctx, oldObjectIDs, newWatched)
	e.presets.Sync(ctx, newPresetIDs)

	e.registry.Clear()
	for _, r := range newRules {
		e.registry.Put(r)
	}
	for id := range newWatched {
		e.registry.WatchObject(id)
	}
	e.configs = newConfigs

	e.cfg.ManagedObjects.ApplyReported(ctx)

	if e.cfg.TraceEvents {
		e.logger.Printf("rescan: done (%s): %d rules, %d states, %d objects", reason, len(newRules), len(newStateIDs), len(newWatched))
	}
}

// writerFor builds a fresh writer.Writer bound to presetID. Writers are
// stateless aside from the per-writer metrics throttle clock, which
// resets whenever the owning rule is rebuilt — the throttle is
// deliberately in-memory only (see DESIGN.md).
func (e *Engine) writerFor(presetID string) *writer.Writer {
	return writer.New(e.cfg.Store, e.cfg.Factory, e.presets, presetID, e.cfg.MetricsMaxInterval, e.logger)
}

// buildRule constructs the rule instance for a single enabled+owned
// target. Construction errors are per-target fatal: that rule is not
// created, others proceed.
func (e *Engine) buildRule(ctx context.Context, cfg model.Config, targetID string) (rules.Rule, error) {
	switch cfg.Mode {
	case model.ModeFreshness:
		var initial model.State
		if st, err := e.cfg.Reader.GetForeignState(ctx, targetID); err == nil && st != nil {
			initial = *st
		}
		w := e.writerFor(cfg.PresetID(RoleDefault))
		return rules.NewFreshness(targetID, e.cfg.Namespace, cfg.Freshness, initial, w, e.timers, e.cfg.Clock, e.cfg.TraceEvents, e.logger), nil

	case model.ModeThreshold:
		var initial model.State
		if st, err := e.cfg.Reader.GetForeignState(ctx, targetID); err == nil && st != nil {
			initial = *st
		}
		w := e.writerFor(cfg.PresetID(RoleDefault))
		return rules.NewThreshold(targetID, e.cfg.Namespace, cfg.Threshold, initial, w, e.timers, e.cfg.Clock, e.cfg.TraceEvents, e.logger), nil

	case model.ModeTriggered:
		w := e.writerFor(cfg.PresetID(RoleTriggered))
		return rules.NewTriggered(targetID, e.cfg.Namespace, cfg.Triggered, w, e.timers, e.cfg.Clock, e.cfg.TraceEvents, e.logger), nil

	case model.ModeNonSettling:
		w := e.writerFor(cfg.PresetID(RoleDefault))
		return rules.NewNonSettling(targetID, e.cfg.Namespace, cfg.NonSettling, w, e.timers, e.cfg.Clock, e.cfg.TraceEvents, e.logger), nil

	case model.ModeSession:
		wStart := e.writerFor(cfg.PresetID(RoleSessionStart))
		wEnd := e.writerFor(cfg.PresetID(RoleSessionEnd))
		rule, err := rules.NewSession(targetID, e.cfg.Namespace, cfg.Session, e.cfg.Reader, wStart, wEnd, e.timers, e.cfg.Clock, e.cfg.TraceEvents, e.logger)
		if err != nil {
			return nil, err
		}
		rule.Start(ctx)
		return rule, nil

	default:
		return nil, errUnknownMode(cfg.Mode)
	}
}

type errUnknownMode model.Mode

func (e errUnknownMode) Error() string { return "unknown mode " + string(e) }
