// Package testhost provides in-memory fakes for the hostapi ports, used
// by package-level tests across the engine instead of a mocking
// framework.
package testhost

import (
	"context"
	"sync"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

// Clock is a manually-advanced fake implementing hostapi.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	t := c.now
	c.mu.Unlock()
	return t
}

// handle is the hostapi.TimerHandle Resources returns; Stop runs its stop
// func, if any.
type handle struct{ stop func() }

func (h handle) Stop() {
	if h.stop != nil {
		h.stop()
	}
}

// pendingWake is one scheduled-but-not-yet-fired callback in Resources.
type pendingWake struct {
	id int64
	at time.Time
	cb func()
}

// Resources is a manually-driven fake implementing hostapi.Resources.
// Callbacks only run when the test calls FireDue/AdvanceAndFire — there is no
// background goroutine, so tests are fully deterministic.
type Resources struct {
	mu      sync.Mutex
	clock   *Clock
	seq     int64
	pending map[int64]*pendingWake
}

func NewResources(clock *Clock) *Resources {
	return &Resources{clock: clock, pending: make(map[int64]*pendingWake)}
}

func (r *Resources) SetTimeout(cb func(), d time.Duration) hostapi.TimerHandle {
	r.mu.Lock()
	r.seq++
	id := r.seq
	w := &pendingWake{id: id, at: r.clock.Now().Add(d), cb: cb}
	r.pending[id] = w
	r.mu.Unlock()
	return handle{stop: func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}}
}

func (r *Resources) SetInterval(cb func(), d time.Duration) hostapi.TimerHandle {
	// Intervals are modeled as a self-rescheduling chain of timeouts so
	// FireDue/AdvanceAndFire drive them the same way as one-shots.
	var h hostapi.TimerHandle
	var stopped bool
	var mu sync.Mutex
	var arm func()
	arm = func() {
		h = r.SetTimeout(func() {
			mu.Lock()
			s := stopped
			mu.Unlock()
			if s {
				return
			}
			cb()
			arm()
		}, d)
	}
	arm()
	return handle{stop: func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		if h != nil {
			h.Stop()
		}
	}}
}

// AdvanceAndFire advances the clock by d and fires every wake now due, in
// due-time order (ties in submission order), repeating until no more wakes
// are due (so self-rescheduling intervals settle).
func (r *Resources) AdvanceAndFire(d time.Duration) {
	r.clock.Advance(d)
	r.FireDue()
}

// FireDue fires every currently-due wake, in due-time order.
func (r *Resources) FireDue() {
	for {
		r.mu.Lock()
		var next *pendingWake
		for _, w := range r.pending {
			if w.at.After(r.clock.Now()) {
				continue
			}
			if next == nil || w.at.Before(next.at) || (w.at.Equal(next.at) && w.id < next.id) {
				next = w
			}
		}
		if next != nil {
			delete(r.pending, next.id)
		}
		r.mu.Unlock()
		if next == nil {
			return
		}
		next.cb()
	}
}

// Bus is a fake hostapi.Bus recording subscribe/unsubscribe calls.
type Bus struct {
	mu      sync.Mutex
	States  map[string]int
	Objects map[string]int
}

func NewBus() *Bus {
	return &Bus{States: make(map[string]int), Objects: make(map[string]int)}
}

func (b *Bus) SubscribeForeignStates(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.States[id]++
	return nil
}

func (b *Bus) UnsubscribeForeignStates(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.States[id]--
	return nil
}

func (b *Bus) SubscribeForeignObjects(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Objects[id]++
	return nil
}

func (b *Bus) UnsubscribeForeignObjects(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Objects[id]--
	return nil
}

// Subscribed returns the set of ids currently subscribed (count > 0).
func (b *Bus) Subscribed() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool)
	for id, n := range b.States {
		if n > 0 {
			out[id] = true
		}
	}
	return out
}

// Reader is a fake hostapi.Reader backed by in-memory maps.
type Reader struct {
	mu      sync.Mutex
	Rows    []hostapi.ObjectRow
	Objects map[string]map[string]any
	States  map[string]model.State
	Slots   map[string]any
}

func NewReader() *Reader {
	return &Reader{
		Objects: make(map[string]map[string]any),
		States:  make(map[string]model.State),
		Slots:   make(map[string]any),
	}
}

func (r *Reader) GetObjectView(ctx context.Context) ([]hostapi.ObjectRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hostapi.ObjectRow(nil), r.Rows...), nil
}

func (r *Reader) GetForeignObject(ctx context.Context, id string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Objects[id], nil
}

func (r *Reader) SetState(id string, s model.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States[id] = s
}

func (r *Reader) GetForeignState(ctx context.Context, id string) (*model.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.Slots[id]; ok {
		return &model.State{Val: v}, nil
	}
	s, ok := r.States[id]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (r *Reader) SetForeignState(ctx context.Context, id string, val any, ack bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Slots[id] = val
	return nil
}

// Store is a fake hostapi.Store backed by an in-memory map, recording
// write counts for idempotence assertions.
type Store struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	Writes   int
	Adds     int
}

func NewStore() *Store {
	return &Store{messages: make(map[string]*model.Message)}
}

func (s *Store) GetMessageByRef(ctx context.Context, ref string, scope hostapi.StoreScope) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil, nil
	}
	if scope == hostapi.ScopeQuasiOpen && !m.Lifecycle.State.IsQuasiOpen() {
		return nil, nil
	}
	return m.Clone(), nil
}

func (s *Store) AddMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.Ref] = msg.Clone()
	s.Adds++
	s.Writes++
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, ref string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil
	}
	applyPatch(m, patch)
	s.Writes++
	return nil
}

func (s *Store) CompleteAfterCauseEliminated(ctx context.Context, ref string, actor string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil
	}
	m.Lifecycle.State = model.Closed
	m.Lifecycle.StateChangedBy = actor
	m.Lifecycle.StateChangedAt = finishedAt
	m.Lifecycle.ClosedAt = finishedAt
	s.Writes++
	return nil
}

func (s *Store) RemoveMessage(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, ref)
	s.Writes++
	return nil
}

// Get returns the raw stored message for assertions (nil if absent).
func (s *Store) Get(ref string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil
	}
	return m.Clone()
}

func applyPatch(m *model.Message, patch map[string]any) {
	for k, v := range patch {
		switch k {
		case "title":
			m.Title, _ = v.(string)
		case "text":
			m.Text, _ = v.(string)
		case "level":
			if lv, ok := v.(model.Level); ok {
				m.Level = lv
			}
		case "details":
			if d, ok := v.(map[string]any); ok {
				m.Details = d
			}
		case "actions":
			if a, ok := v.([]model.Action); ok {
				m.Actions = a
			}
		case "metrics":
			if mm, ok := v.(map[string]model.Metric); ok {
				if m.Metrics == nil {
					m.Metrics = make(map[string]model.Metric)
				}
				for mk, mv := range mm {
					m.Metrics[mk] = mv
				}
			}
		case "metricsDelete":
			if keys, ok := v.([]string); ok {
				for _, mk := range keys {
					delete(m.Metrics, mk)
				}
			}
		case "timing.remindEvery":
			if d, ok := v.(time.Duration); ok {
				m.Timing.RemindEvery = d
			}
		case "timing.cooldown":
			if d, ok := v.(time.Duration); ok {
				m.Timing.Cooldown = d
			}
		case "timing.notifyAt":
			if t, ok := v.(time.Time); ok {
				m.Timing.NotifyAt = t
			}
		case "lifecycle.state":
			if st, ok := v.(model.LifecycleState); ok {
				m.Lifecycle.State = st
			}
		}
	}
}

// Options is a fake hostapi.Options backed by an in-memory map.
type Options struct {
	Ints  map[string]int
	Bools map[string]bool
}

func NewOptions() *Options {
	return &Options{Ints: make(map[string]int), Bools: make(map[string]bool)}
}

func (o *Options) ResolveInt(key string, fallback int) int {
	if v, ok := o.Ints[key]; ok {
		return v
	}
	return fallback
}

func (o *Options) ResolveBool(key string, fallback bool) bool {
	if v, ok := o.Bools[key]; ok {
		return v
	}
	return fallback
}

// ManagedObjects is a fake hostapi.ManagedObjects recording reports.
type ManagedObjects struct {
	mu       sync.Mutex
	Reported map[string]map[string]any
	Applied  int
}

func NewManagedObjects() *ManagedObjects {
	return &ManagedObjects{Reported: make(map[string]map[string]any)}
}

func (m *ManagedObjects) Report(ctx context.Context, id string, meta map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reported[id] = meta
}

func (m *ManagedObjects) ApplyReported(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Applied++
}

// PresetSource is a fake hostapi.PresetSource backed by an in-memory map.
type PresetSource struct {
	mu      sync.Mutex
	Presets map[string]*model.Preset
	Subs    map[string]int
}

func NewPresetSource() *PresetSource {
	return &PresetSource{Presets: make(map[string]*model.Preset), Subs: make(map[string]int)}
}

func (p *PresetSource) ResolvePreset(ctx context.Context, presetID string) (*model.Preset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Presets[presetID], nil
}

func (p *PresetSource) SubscribePresetState(ctx context.Context, presetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Subs[presetID]++
	return nil
}

func (p *PresetSource) UnsubscribePresetState(ctx context.Context, presetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Subs[presetID]--
	return nil
}

// Factory is a fake hostapi.Factory. If Reject is set, CreateMessage
// returns nil for any field set matching it (by ref), modeling
// StoreRejected.
type Factory struct {
	Reject map[string]bool
}

func NewFactory() *Factory { return &Factory{Reject: make(map[string]bool)} }

func (f *Factory) CreateMessage(fields model.Message) *model.Message {
	if fields.Title == "" || fields.Text == "" {
		return nil
	}
	if f.Reject[fields.Ref] {
		return nil
	}
	cp := fields
	return &cp
}
