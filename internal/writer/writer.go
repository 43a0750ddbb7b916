// Package writer implements the per-target message writer: preset
// resolution, idempotent upsert with change detection, cooldown/silent
// re-open, throttled metrics patching, and cause-eliminated close.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/presetcache"
)

// farFuture is how far past "now" notifyAt is pushed to silently suppress
// a notification.
const farFuture = 10 * 365 * 24 * time.Hour

// ErrBadPreset is returned when the resolved preset (including the
// built-in fallback) lacks a non-empty title or text — unreachable unless
// the fallback itself is misconfigured, which would be a programming error.
var ErrBadPreset = errors.New("writer: preset resolves to empty title/text")

// ErrStoreRejected is returned when the host Factory or Store rejects a
// write; callers should log at debug and retry on the next incremental
// change.
var ErrStoreRejected = errors.New("writer: store rejected message")

// UpsertInput carries the rule-observable fields a rule wants reflected in
// the message at ref.
type UpsertInput struct {
	Now        time.Time
	StartAt    time.Time
	NotifyAt   time.Time
	Metrics    map[string]model.Metric
	MetricsDel []string
	Actions    []model.Action
	Details    map[string]any
	TargetID   string
	System     string
}

// Writer is a per (targetId, presetKey, presetId) message writer instance.
type Writer struct {
	store              hostapi.Store
	factory            hostapi.Factory
	presets            *presetcache.Cache
	logger             *log.Logger
	presetID           string
	metricsMaxInterval time.Duration

	lastMetricsAt time.Time
}

// New creates a Writer bound to presetID, resolved lazily through presets.
func New(store hostapi.Store, factory hostapi.Factory, presets *presetcache.Cache, presetID string, metricsMaxInterval time.Duration, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.Default()
	}
	return &Writer{
		store:              store,
		factory:            factory,
		presets:            presets,
		presetID:           presetID,
		metricsMaxInterval: metricsMaxInterval,
		logger:             logger,
	}
}

// resolved is the fields computed from the preset plus rule overrides,
// before any existing-message comparison.
type resolved struct {
	kind     model.Kind
	level    model.Level
	title    string
	text     string
	audience string
	details  map[string]any
	actions  []model.Action
	remind   time.Duration
	cooldown time.Duration
	dueIn    time.Duration
	policy   model.PresetPolicy
}

func (w *Writer) resolve(ctx context.Context, in UpsertInput) resolved {
	p := w.presets.Resolve(ctx, w.presetID)

	details := make(map[string]any, len(p.Details)+len(in.Details))
	maps.Copy(details, p.Details)
	maps.Copy(details, in.Details)

	actions := mergeActions(p.Actions, in.Actions)

	return resolved{
		kind:     p.Kind,
		level:    p.Level,
		title:    p.Title,
		text:     p.Text,
		audience: p.Audience,
		details:  details,
		actions:  actions,
		remind:   p.Timing.RemindEvery,
		cooldown: p.Timing.Cooldown,
		dueIn:    p.Timing.DueIn,
		policy:   p.Policy,
	}
}

func mergeActions(preset, rule []model.Action) []model.Action {
	if len(rule) == 0 {
		return append([]model.Action(nil), preset...)
	}
	byID := make(map[string]model.Action, len(preset)+len(rule))
	var order []string
	for _, a := range preset {
		byID[a.ID] = a
		order = append(order, a.ID)
	}
	for _, a := range rule {
		if _, ok := byID[a.ID]; !ok {
			order = append(order, a.ID)
		}
		byID[a.ID] = a
	}
	out := make([]model.Action, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// OnUpsert creates or patches the message at ref. It returns true if a
// store write occurred.
func (w *Writer) OnUpsert(ctx context.Context, ref string, in UpsertInput) (bool, error) {
	r := w.resolve(ctx, in)
	if r.title == "" || r.text == "" {
		return false, ErrBadPreset
	}

	existing, err := w.store.GetMessageByRef(ctx, ref, hostapi.ScopeAll)
	if err != nil {
		return false, fmt.Errorf("get message %s: %w", ref, err)
	}

	if existing != nil && existing.Lifecycle.State.IsQuasiOpen() {
		return w.patch(ctx, ref, existing, r, in)
	}

	notifyAt := in.NotifyAt
	if notifyAt.IsZero() {
		if r.dueIn > 0 {
			notifyAt = in.Now.Add(r.dueIn)
		} else {
			notifyAt = in.Now
		}
	}

	if existing != nil && existing.Lifecycle.State == model.Closed && r.cooldown > 0 {
		elapsed := in.Now.Sub(existing.Lifecycle.ClosedAt)
		if elapsed < r.cooldown {
			if r.remind > 0 {
				notifyAt = existing.Lifecycle.ClosedAt.Add(r.cooldown)
			} else {
				notifyAt = in.Now.Add(farFuture)
			}
		}
	}

	startAt := in.StartAt
	if startAt.IsZero() {
		startAt = in.Now
	}

	fields := model.Message{
		Ref:      ref,
		Kind:     r.kind,
		Level:    r.level,
		Title:    r.title,
		Text:     r.text,
		Audience: r.audience,
		Details:  r.details,
		Actions:  r.actions,
		Origin:   model.Origin{Type: model.OriginTypeState, System: in.System, ID: in.TargetID},
		Lifecycle: model.Lifecycle{
			State:          model.Open,
			StateChangedBy: in.System,
			StateChangedAt: in.Now,
		},
		Timing: model.Timing{
			NotifyAt:    notifyAt,
			StartAt:     startAt,
			RemindEvery: r.remind,
			Cooldown:    r.cooldown,
		},
	}
	if len(in.Metrics) > 0 {
		fields.Metrics = maps.Clone(in.Metrics)
	}

	msg := w.factory.CreateMessage(fields)
	if msg == nil {
		w.logger.Printf("writer: factory rejected message for ref %s", ref)
		return false, ErrStoreRejected
	}
	if err := w.store.AddMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("add message %s: %w", ref, err)
	}
	return true, nil
}

// patch updates only the rule-owned fields on an existing quasi-open
// message: title, text, level, remindEvery,
// cooldown, details, actions (when caller supplied). audience, lifecycle,
// notifyAt, startAt, dueAt, timeBudget are owned by user/core and are
// never patched here.
func (w *Writer) patch(ctx context.Context, ref string, existing *model.Message, r resolved, in UpsertInput) (bool, error) {
	patch := map[string]any{}

	if existing.Title != r.title {
		patch["title"] = r.title
	}
	if existing.Text != r.text {
		patch["text"] = r.text
	}
	if existing.Level != r.level {
		patch["level"] = r.level
	}
	if existing.Timing.RemindEvery != r.remind {
		patch["timing.remindEvery"] = r.remind
	}
	if existing.Timing.Cooldown != r.cooldown {
		patch["timing.cooldown"] = r.cooldown
	}
	if !detailsEqual(existing.Details, r.details) {
		patch["details"] = r.details
	}
	if len(in.Actions) > 0 && !actionsEqual(existing.Actions, r.actions) {
		patch["actions"] = r.actions
	}

	metricPatch, metricDel := diffMetrics(existing.Metrics, in.Metrics, in.MetricsDel)
	if len(metricPatch) > 0 {
		patch["metrics"] = metricPatch
	}
	if len(metricDel) > 0 {
		patch["metricsDelete"] = metricDel
	}

	if len(patch) == 0 {
		return false, nil
	}
	if err := w.store.UpdateMessage(ctx, ref, patch); err != nil {
		return false, fmt.Errorf("update message %s: %w", ref, err)
	}
	return true, nil
}

// OnClose applies the close policy: messages whose preset sets
// resetOnNormal=false are kept (close action ensured, reminders
// silenced); everything else is completed as cause-eliminated.
func (w *Writer) OnClose(ctx context.Context, ref string, actor string, now time.Time) error {
	existing, err := w.store.GetMessageByRef(ctx, ref, hostapi.ScopeAll)
	if err != nil {
		return fmt.Errorf("get message %s: %w", ref, err)
	}
	if existing == nil {
		return nil
	}

	p := w.presets.Resolve(ctx, w.presetID)
	if !p.Policy.ResetOnNormal {
		patch := map[string]any{}
		if !hasCloseAction(existing.Actions) {
			patch["actions"] = append(append([]model.Action(nil), existing.Actions...), model.Action{ID: "close", Type: model.ActionClose})
		}
		if existing.Timing.RemindEvery != 0 {
			patch["timing.remindEvery"] = time.Duration(0)
		}
		if existing.Timing.NotifyAt.IsZero() {
			patch["timing.notifyAt"] = now.Add(farFuture)
		}
		if len(patch) == 0 {
			return nil
		}
		return w.store.UpdateMessage(ctx, ref, patch)
	}

	if !existing.Lifecycle.State.IsQuasiOpen() {
		return nil
	}
	return w.store.CompleteAfterCauseEliminated(ctx, ref, actor, now)
}

// OnDelete removes the message at ref outright, used by the Session rule
// to drop its SessionStart message once the matching SessionEnd has been
// written — unlike OnClose, this is not a lifecycle transition, the row
// simply stops existing.
func (w *Writer) OnDelete(ctx context.Context, ref string) error {
	if err := w.store.RemoveMessage(ctx, ref); err != nil {
		return fmt.Errorf("remove message %s: %w", ref, err)
	}
	return nil
}

func hasCloseAction(actions []model.Action) bool {
	for _, a := range actions {
		if a.Type == model.ActionClose {
			return true
		}
	}
	return false
}

// OnMetrics patches only quasi-open messages, subject to the per-writer
// metricsMaxInterval throttle (force bypasses it).
func (w *Writer) OnMetrics(ctx context.Context, ref string, set map[string]model.Metric, del []string, now time.Time, force bool) (bool, error) {
	existing, err := w.store.GetMessageByRef(ctx, ref, hostapi.ScopeQuasiOpen)
	if err != nil {
		return false, fmt.Errorf("get message %s: %w", ref, err)
	}
	if existing == nil {
		return false, nil
	}

	if !force && w.metricsMaxInterval > 0 && !w.lastMetricsAt.IsZero() {
		if now.Sub(w.lastMetricsAt) < w.metricsMaxInterval {
			return false, nil
		}
	}

	metricPatch, metricDel := diffMetrics(existing.Metrics, set, del)
	if len(metricPatch) == 0 && len(metricDel) == 0 {
		return false, nil
	}

	patch := map[string]any{}
	if len(metricPatch) > 0 {
		patch["metrics"] = metricPatch
	}
	if len(metricDel) > 0 {
		patch["metricsDelete"] = metricDel
	}
	if err := w.store.UpdateMessage(ctx, ref, patch); err != nil {
		return false, fmt.Errorf("update message %s: %w", ref, err)
	}
	w.lastMetricsAt = now
	return true, nil
}

// diffMetrics drops entries whose (val, unit) equal the current stored
// entry and applies explicit deletes.
func diffMetrics(current map[string]model.Metric, set map[string]model.Metric, del []string) (map[string]model.Metric, []string) {
	changed := make(map[string]model.Metric, len(set))
	for k, v := range set {
		if cur, ok := current[k]; ok && cur.Equal(v) {
			continue
		}
		changed[k] = v
	}
	var deletes []string
	for _, k := range del {
		if _, ok := current[k]; ok {
			deletes = append(deletes, k)
		}
	}
	return changed, deletes
}

func detailsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func actionsEqual(a, b []model.Action) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.EqualFunc(a, b, func(x, y model.Action) bool {
		return reflect.DeepEqual(x, y)
	})
}
