package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/ShoshinNikita/rasset/rasset"
)

// InMemoryCache is a [rasset.Cache] that doesn't survive restarts.
type InMemoryCache struct {
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]inMemoryEntry
}

type inMemoryEntry struct {
	data      []byte
	writtenAt time.Time
}

var _ rasset.Cache = (*InMemoryCache)(nil)

func NewInMemoryCache(maxAge time.Duration) *InMemoryCache {
	return &InMemoryCache{
		maxAge:  maxAge,
		now:     time.Now,
		entries: make(map[string]inMemoryEntry),
	}
}

func (c *InMemoryCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.writtenAt) >= c.maxAge {
		return nil, rasset.ErrCacheMiss
	}
	return slices.Clone(entry.data), nil
}

func (c *InMemoryCache) Put(key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = inMemoryEntry{
		data:      slices.Clone(data),
		writtenAt: c.now(),
	}
	return nil
}

func (c *InMemoryCache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

func (c *InMemoryCache) Sweep(maxAge time.Duration) (removed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.writtenAt) > maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *InMemoryCache) Stats() (rasset.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats rasset.CacheStats
	for _, entry := range c.entries {
		stats.FileCount++
		stats.TotalSizeBytes += int64(len(entry.data))
	}
	return stats, nil
}
