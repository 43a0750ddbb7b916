// Package timerservice implements a durable, named one-shot timer
// registry: set/delete/get, at-most-once firing, and
// crash-recovery via a persisted JSON blob written through the host's
// Reader.SetForeignState port.
package timerservice

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

const schemaVersion = 1

// flushDebounce is the delay between a mutation and the persisted-blob
// write; repeated mutations within it collapse into one write.
const flushDebounce = 100 * time.Millisecond

// maxOneShotWait clamps a single in-memory wake so very long due times
// don't overflow or starve the runtime timer wheel; timers further out are
// re-armed in stages (and always re-armed fully across restarts).
const maxOneShotWait = 24 * time.Hour

// docTimer is the persisted shape of one timer entry.
type docTimer struct {
	At   int64          `json:"at"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

type doc struct {
	SchemaVersion int                 `json:"schemaVersion"`
	Timers        map[string]docTimer `json:"timers"`
}

type entry struct {
	timer model.Timer
	wake  hostapi.TimerHandle
}

// Service is a durable timer registry. It is safe for concurrent use.
type Service struct {
	reader    hostapi.Reader
	resources hostapi.Resources
	clock     hostapi.Clock
	slotID    string
	onDue     func(model.Timer)
	logger    *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
	running bool

	flushMu      sync.Mutex
	flushPending bool
	flushHandle  hostapi.TimerHandle
}

// New creates a Service. slotID is the host state id under which the
// persisted JSON blob is stored, namespaced per engine instance. onDue is
// invoked (outside any lock) whenever a timer fires; callers typically
// forward it onto an opqueue.Queue.
func New(reader hostapi.Reader, resources hostapi.Resources, clock hostapi.Clock, slotID string, onDue func(model.Timer), logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		reader:    reader,
		resources: resources,
		clock:     clock,
		slotID:    slotID,
		onDue:     onDue,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Start loads the persisted blob and arms an in-memory wake for each
// surviving entry. Malformed entries are dropped, not fatal.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true

	st, err := s.reader.GetForeignState(ctx, s.slotID)
	if err != nil {
		s.logger.Printf("timerservice: load %s: %v", s.slotID, err)
		return
	}
	if st == nil || st.Val == nil {
		return
	}

	raw, ok := st.Val.(string)
	if !ok {
		s.logger.Printf("timerservice: %s: non-string value, starting empty", s.slotID)
		return
	}

	var d doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		s.logger.Printf("timerservice: %s: corrupt JSON, starting empty: %v", s.slotID, err)
		return
	}
	if d.SchemaVersion != schemaVersion {
		s.logger.Printf("timerservice: %s: unsupported schemaVersion %d, starting empty", s.slotID, d.SchemaVersion)
		return
	}

	now := s.clock.Now()
	ids := make([]string, 0, len(d.Timers))
	for id := range d.Timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := d.Timers[id]
		tm := model.Timer{ID: id, DueAt: time.UnixMilli(t.At), Kind: t.Kind, Data: t.Data}
		s.armLocked(tm, now)
	}
}

// Set creates or replaces the timer at id. If dueAt is not after now, the
// entry still fires, coalesced to "soon".
func (s *Service) Set(id string, dueAt time.Time, kind string, data map[string]any) {
	s.mu.Lock()
	tm := model.Timer{ID: id, DueAt: dueAt, Kind: kind, Data: data}
	s.armLocked(tm, s.clock.Now())
	s.mu.Unlock()
	s.scheduleFlush()
}

// armLocked installs tm into s.entries, cancelling any prior wake for the
// same id, and schedules a new in-memory wake. Caller holds s.mu.
func (s *Service) armLocked(tm model.Timer, now time.Time) {
	if old, ok := s.entries[tm.ID]; ok && old.wake != nil {
		old.wake.Stop()
	}
	wait := tm.DueAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > maxOneShotWait {
		wait = maxOneShotWait
	}
	e := &entry{timer: tm}
	id := tm.ID
	e.wake = s.resources.SetTimeout(func() { s.fire(id) }, wait)
	s.entries[id] = e
}

// fire is invoked by the host timer wheel when a wake elapses. It removes
// the entry, schedules a flush, then invokes onDue — at most once per
// Set.
func (s *Service) fire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if e.timer.DueAt.After(now) {
		// dueAt moved forward since this wake was armed and the old wake
		// wasn't successfully cancelled (race with Set); reissue.
		s.armLocked(e.timer, now)
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	running := s.running
	s.mu.Unlock()

	s.scheduleFlush()

	if !running {
		// Stop() was called; dropped timers after stop are expected.
		return
	}
	if s.onDue != nil {
		s.onDue(e.timer)
	}
}

// Delete removes the timer at id, if present, cancelling its in-memory wake.
func (s *Service) Delete(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		if e.wake != nil {
			e.wake.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		s.scheduleFlush()
	}
}

// Get returns a snapshot of the timer at id, or false if absent.
func (s *Service) Get(id string) (model.Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.Timer{}, false
	}
	return e.timer, true
}

// All returns a snapshot of every currently armed timer, for operator
// introspection. Order is unspecified.
func (s *Service) All() []model.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Timer, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.timer)
	}
	return out
}

// Stop cancels all in-memory wakes, clears the cache and cancels any
// pending debounced flush, so mutations made within flushDebounce before
// Stop are not persisted.
func (s *Service) Stop() {
	s.mu.Lock()
	s.running = false
	for _, e := range s.entries {
		if e.wake != nil {
			e.wake.Stop()
		}
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	s.flushMu.Lock()
	if s.flushHandle != nil {
		s.flushHandle.Stop()
		s.flushHandle = nil
	}
	s.flushPending = false
	s.flushMu.Unlock()
}

// scheduleFlush debounces persistence writes: repeated mutations within
// flushDebounce collapse into a single write.
func (s *Service) scheduleFlush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.flushPending {
		return
	}
	s.flushPending = true
	s.flushHandle = s.resources.SetTimeout(s.flush, flushDebounce)
}

func (s *Service) flush() {
	s.flushMu.Lock()
	s.flushPending = false
	s.flushHandle = nil
	s.flushMu.Unlock()

	s.mu.Lock()
	d := doc{SchemaVersion: schemaVersion, Timers: make(map[string]docTimer, len(s.entries))}
	for id, e := range s.entries {
		d.Timers[id] = docTimer{At: e.timer.DueAt.UnixMilli(), Kind: e.timer.Kind, Data: e.timer.Data}
	}
	s.mu.Unlock()

	raw, err := json.Marshal(d)
	if err != nil {
		s.logger.Printf("timerservice: marshal persisted doc: %v", err)
		return
	}
	if err := s.reader.SetForeignState(context.Background(), s.slotID, string(raw), true); err != nil {
		s.logger.Printf("timerservice: persist %s: %v", s.slotID, err)
	}
}
