package rules

import (
	"time"

	"github.com/whisper-darkly/ingeststates/internal/model"
)

// fakeTimers is a minimal in-memory timers implementation for rule tests;
// it records the last Set() per id and lets the test fire it directly by
// calling the rule's OnTimer, rather than going through a full
// timerservice.Service.
type fakeTimers struct {
	entries map[string]model.Timer
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{entries: make(map[string]model.Timer)}
}

func (f *fakeTimers) Set(id string, dueAt time.Time, kind string, data map[string]any) {
	f.entries[id] = model.Timer{ID: id, DueAt: dueAt, Kind: kind, Data: data}
}

func (f *fakeTimers) Delete(id string) {
	delete(f.entries, id)
}

func (f *fakeTimers) Get(id string) (model.Timer, bool) {
	t, ok := f.entries[id]
	return t, ok
}

func (f *fakeTimers) has(id string) bool {
	_, ok := f.entries[id]
	return ok
}

// fire returns the timer at id (for passing to the rule's OnTimer) and
// removes it, mirroring what the real timerservice does on fire.
func (f *fakeTimers) fire(id string) (model.Timer, bool) {
	t, ok := f.entries[id]
	if ok {
		delete(f.entries, id)
	}
	return t, ok
}

// fakeClock is a manually-set clock; simpler than testhost.Clock for rule
// tests that never need AdvanceAndFire-style interval semantics.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time  { return c.now }
func (c *fakeClock) set(t time.Time) { c.now = t }
