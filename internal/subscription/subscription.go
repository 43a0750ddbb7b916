// Package subscription computes added/removed diffs between old and new
// id sets and applies them via the host Bus.
package subscription

import (
	"context"
	"log"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
)

// Manager applies state/object subscription diffs through a hostapi.Bus.
// Errors from the bus are logged and otherwise swallowed — subscriptions
// are best-effort.
type Manager struct {
	bus    hostapi.Bus
	logger *log.Logger
}

func New(bus hostapi.Bus, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{bus: bus, logger: logger}
}

// Diff computes which ids are only in next (added) and only in prev
// (removed).
func Diff(prev, next map[string]bool) (added, removed []string) {
	for id := range next {
		if !prev[id] {
			added = append(added, id)
		}
	}
	for id := range prev {
		if !next[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// ApplyStates subscribes added ids and unsubscribes removed ids on the
// foreign-state channel.
func (m *Manager) ApplyStates(ctx context.Context, added, removed []string) {
	for _, id := range added {
		if err := m.bus.SubscribeForeignStates(ctx, id); err != nil {
			m.logger.Printf("subscription: subscribe state %s: %v", id, err)
		}
	}
	for _, id := range removed {
		if err := m.bus.UnsubscribeForeignStates(ctx, id); err != nil {
			m.logger.Printf("subscription: unsubscribe state %s: %v", id, err)
		}
	}
}

// ApplyObjects subscribes added ids and unsubscribes removed ids on the
// foreign-object channel.
func (m *Manager) ApplyObjects(ctx context.Context, added, removed []string) {
	for _, id := range added {
		if err := m.bus.SubscribeForeignObjects(ctx, id); err != nil {
			m.logger.Printf("subscription: subscribe object %s: %v", id, err)
		}
	}
	for _, id := range removed {
		if err := m.bus.UnsubscribeForeignObjects(ctx, id); err != nil {
			m.logger.Printf("subscription: unsubscribe object %s: %v", id, err)
		}
	}
}

// SyncStates is a convenience wrapper that diffs then applies.
func (m *Manager) SyncStates(ctx context.Context, prev, next map[string]bool) {
	added, removed := Diff(prev, next)
	m.ApplyStates(ctx, added, removed)
}

// SyncObjects is a convenience wrapper that diffs then applies.
func (m *Manager) SyncObjects(ctx context.Context, prev, next map[string]bool) {
	added, removed := Diff(prev, next)
	m.ApplyObjects(ctx, added, removed)
}
