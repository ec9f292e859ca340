package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultModelListTTL bounds how long a cached upstream model list is
// served before refetching.
const DefaultModelListTTL = 5 * time.Minute

// ModelListCache caches per-provider model lists. Concurrent cache misses
// for the same provider collapse into one upstream fetch.
type ModelListCache struct {
	TTL time.Duration

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]modelListEntry
}

type modelListEntry struct {
	models  []ModelInfo
	fetched time.Time
}

// NewModelListCache creates a cache with the given TTL (0 selects the
// default).
func NewModelListCache(ttl time.Duration) *ModelListCache {
	if ttl <= 0 {
		ttl = DefaultModelListTTL
	}
	return &ModelListCache{
		TTL:     ttl,
		entries: make(map[string]modelListEntry),
	}
}

// Models returns the provider's model list, fetching through the provider
// on a stale or missing entry.
func (c *ModelListCache) Models(ctx context.Context, p Provider) ([]ModelInfo, error) {
	c.mu.RLock()
	entry, ok := c.entries[p.Name()]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < c.TTL {
		return entry.models, nil
	}

	result, err, _ := c.group.Do(p.Name(), func() (interface{}, error) {
		models, err := p.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[p.Name()] = modelListEntry{models: models, fetched: time.Now()}
		c.mu.Unlock()
		return models, nil
	})
	if err != nil {
		// Serve the stale entry over an error when one exists.
		if ok {
			return entry.models, nil
		}
		return nil, err
	}
	return result.([]ModelInfo), nil
}

// Invalidate drops a provider's cached list.
func (c *ModelListCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
