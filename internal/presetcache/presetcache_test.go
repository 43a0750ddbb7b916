package presetcache

import (
	"context"
	"testing"

	"github.com/whisper-darkly/ingeststates/internal/model"
	"github.com/whisper-darkly/ingeststates/internal/testhost"
)

func TestGetLoadsAndMemoizes(t *testing.T) {
	src := testhost.NewPresetSource()
	src.Presets["p1"] = &model.Preset{ID: "p1", Title: "T", Text: "X"}

	c := New(src, nil)
	got := c.Get(context.Background(), "p1")
	if got == nil || got.Title != "T" {
		t.Fatalf("unexpected preset: %+v", got)
	}
	if src.Subs["p1"] != 1 {
		t.Fatalf("expected one subscribe, got %d", src.Subs["p1"])
	}

	// Mutate source; cache should still serve the memoized value.
	src.Presets["p1"] = &model.Preset{ID: "p1", Title: "changed"}
	got2 := c.Get(context.Background(), "p1")
	if got2.Title != "T" {
		t.Fatalf("expected memoized value, got %+v", got2)
	}
}

func TestNegativeCache(t *testing.T) {
	src := testhost.NewPresetSource()
	c := New(src, nil)
	got := c.Get(context.Background(), "missing")
	if got != nil {
		t.Fatalf("expected nil for missing preset, got %+v", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected negative entry cached, len=%d", c.Len())
	}
}

func TestResolveFallsBackToBuiltin(t *testing.T) {
	src := testhost.NewPresetSource()
	c := New(src, nil)

	p := c.Resolve(context.Background(), "")
	if p.ID != model.FallbackPreset.ID {
		t.Fatalf("expected fallback for empty id, got %+v", p)
	}

	p2 := c.Resolve(context.Background(), "missing")
	if p2.ID != model.FallbackPreset.ID {
		t.Fatalf("expected fallback for unresolved id, got %+v", p2)
	}
}

func TestSyncDropsUnreferenced(t *testing.T) {
	src := testhost.NewPresetSource()
	src.Presets["p1"] = &model.Preset{ID: "p1", Title: "T", Text: "X"}
	src.Presets["p2"] = &model.Preset{ID: "p2", Title: "T2", Text: "X2"}

	c := New(src, nil)
	c.Get(context.Background(), "p1")
	c.Get(context.Background(), "p2")

	c.Sync(context.Background(), map[string]bool{"p1": true})

	if c.Len() != 1 {
		t.Fatalf("expected one entry after sync, got %d", c.Len())
	}
	if src.Subs["p2"] != 0 {
		t.Fatalf("expected p2 unsubscribed, count=%d", src.Subs["p2"])
	}
}

func TestSyncLoadsNewlyReferenced(t *testing.T) {
	src := testhost.NewPresetSource()
	src.Presets["p3"] = &model.Preset{ID: "p3", Title: "T3", Text: "X3"}

	c := New(src, nil)
	c.Sync(context.Background(), map[string]bool{"p3": true})

	if c.Len() != 1 {
		t.Fatalf("expected p3 loaded by sync, len=%d", c.Len())
	}
}
