package subscription

import (
	"context"
	"testing"

	"github.com/whisper-darkly/ingeststates/internal/testhost"
)

func set(ids ...string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestDiff(t *testing.T) {
	added, removed := Diff(set("a", "b"), set("b", "c"))
	if len(added) != 1 || added[0] != "c" {
		t.Fatalf("unexpected added: %v", added)
	}
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("unexpected removed: %v", removed)
	}
}

func TestSyncStatesAppliesBusCalls(t *testing.T) {
	bus := testhost.NewBus()
	m := New(bus, nil)

	m.SyncStates(context.Background(), set(), set("x", "y"))
	if !bus.Subscribed()["x"] || !bus.Subscribed()["y"] {
		t.Fatalf("expected x,y subscribed: %v", bus.Subscribed())
	}

	m.SyncStates(context.Background(), set("x", "y"), set("y"))
	sub := bus.Subscribed()
	if sub["x"] {
		t.Fatalf("expected x unsubscribed: %v", sub)
	}
	if !sub["y"] {
		t.Fatalf("expected y to remain subscribed: %v", sub)
	}
}
