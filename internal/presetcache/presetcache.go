// Package presetcache maps preset id to preset object,
// loaded on demand from the host's PresetSource, refreshed on preset-state
// change notifications, and dropped when no longer referenced by any
// active rule on rescan.
package presetcache

import (
	"context"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

// maxEntries bounds memory use; in steady state the cache holds far fewer
// entries than this (one per distinct preset id referenced by config), but
// the LRU bound protects against a pathological config churn leaking
// entries faster than rescans can drop them.
const maxEntries = 4096

// entry is the cached value: a *model.Preset, or nil for a negative cache
// hit (loaded but invalid/missing), distinguished by loaded.
type entry struct {
	preset *model.Preset
	loaded bool
}

// Cache memoizes preset lookups. It is safe for concurrent use, though in
// this engine all access happens from the single OpQueue goroutine.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, entry]
	src    hostapi.PresetSource
	logger *log.Logger
}

// New creates a Cache backed by src.
func New(src hostapi.PresetSource, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	l, err := lru.New[string, entry](maxEntries)
	if err != nil {
		// Only returns an error for a non-positive size, which maxEntries
		// never is; panicking here would be a programming-error invariant.
		panic(err)
	}
	return &Cache{lru: l, src: src, logger: logger}
}

// Get returns the cached preset for id (nil if the id has never resolved
// to a valid preset), loading and subscribing on first reference.
func (c *Cache) Get(ctx context.Context, id string) *model.Preset {
	if id == "" {
		return nil
	}
	c.mu.Lock()
	if e, ok := c.lru.Get(id); ok {
		c.mu.Unlock()
		return e.preset
	}
	c.mu.Unlock()

	return c.load(ctx, id)
}

func (c *Cache) load(ctx context.Context, id string) *model.Preset {
	p, err := c.src.ResolvePreset(ctx, id)
	if err != nil {
		c.logger.Printf("presetcache: resolve %s: %v", id, err)
		p = nil
	}
	if err := c.src.SubscribePresetState(ctx, id); err != nil {
		c.logger.Printf("presetcache: subscribe %s: %v", id, err)
	}
	c.mu.Lock()
	c.lru.Add(id, entry{preset: p, loaded: true})
	c.mu.Unlock()
	return p
}

// Reload re-resolves id (called in response to a preset-state change
// notification) and replaces the cached entry.
func (c *Cache) Reload(ctx context.Context, id string) {
	p, err := c.src.ResolvePreset(ctx, id)
	if err != nil {
		c.logger.Printf("presetcache: reload %s: %v", id, err)
		p = nil
	}
	c.mu.Lock()
	c.lru.Add(id, entry{preset: p, loaded: true})
	c.mu.Unlock()
}

// Sync drops cached entries whose id is not in referenced, and
// unsubscribes from their preset-state notifications, then best-effort
// loads any newly-referenced id not yet cached. This is called once per
// rescan.
func (c *Cache) Sync(ctx context.Context, referenced map[string]bool) {
	c.mu.Lock()
	var toDrop []string
	for _, id := range c.lru.Keys() {
		if !referenced[id] {
			toDrop = append(toDrop, id)
		}
	}
	for _, id := range toDrop {
		c.lru.Remove(id)
	}
	var toLoad []string
	for id := range referenced {
		if _, ok := c.lru.Get(id); !ok {
			toLoad = append(toLoad, id)
		}
	}
	c.mu.Unlock()

	for _, id := range toDrop {
		if err := c.src.UnsubscribePresetState(ctx, id); err != nil {
			c.logger.Printf("presetcache: unsubscribe %s: %v", id, err)
		}
	}
	for _, id := range toLoad {
		c.load(ctx, id)
	}
}

// Resolve returns the preset for id, falling back to model.FallbackPreset
// when id is empty or resolves to nil/invalid.
func (c *Cache) Resolve(ctx context.Context, id string) model.Preset {
	if id != "" {
		if p := c.Get(ctx, id); p != nil {
			return *p
		}
	}
	return model.FallbackPreset
}

// Len reports the number of cached entries (for introspection/tests).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the ids currently cached, for operator introspection.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}
