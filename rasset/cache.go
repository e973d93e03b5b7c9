package rasset

import (
	"time"
)

// Cache stores raw blobs by key. Get must return [ErrCacheMiss] for absent or stale entries,
// stale entries are removed only by Sweep.
type Cache interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
	Remove(key string) error

	// Sweep removes entries older than maxAge and returns the number of removed entries.
	Sweep(maxAge time.Duration) (removed int, err error)
	Stats() (CacheStats, error)
}
