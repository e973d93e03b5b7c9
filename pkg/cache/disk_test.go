package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rasset/rasset"
)

func TestDiskCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	tempDir := t.TempDir()

	cache, err := NewDiskCache(tempDir, Options{MaxAge: time.Hour})
	r.NoError(err)

	key := rasset.CacheKey("http://ok.test/a.png")

	path := cache.generateFilepath(key)
	r.Equal(filepath.Join(tempDir, key+".cache"), path)

	t.Run("miss", func(t *testing.T) {
		_, err := cache.Get(rasset.CacheKey("http://ok.test/missing.png"))
		require.ErrorIs(t, err, rasset.ErrCacheMiss)
	})

	t.Run("put and get", func(t *testing.T) {
		r := require.New(t)

		r.NoError(cache.Put(key, []byte("hello world")))

		data, err := cache.Get(key)
		r.NoError(err)
		r.Equal("hello world", string(data))

		// Overwrite.
		r.NoError(cache.Put(key, []byte("new content")))

		data, err = cache.Get(key)
		r.NoError(err)
		r.Equal("new content", string(data))
	})

	t.Run("stale entry is a miss but is not removed", func(t *testing.T) {
		r := require.New(t)

		key := rasset.CacheKey("http://ok.test/stale.png")
		r.NoError(cache.Put(key, []byte("stale")))

		old := time.Now().Add(-2 * time.Hour)
		r.NoError(os.Chtimes(cache.generateFilepath(key), old, old))

		_, err := cache.Get(key)
		r.ErrorIs(err, rasset.ErrCacheMiss)

		_, err = os.Stat(cache.generateFilepath(key))
		r.NoError(err)
	})

	t.Run("remove", func(t *testing.T) {
		r := require.New(t)

		key := rasset.CacheKey("http://ok.test/remove.png")
		r.NoError(cache.Put(key, []byte("data")))
		r.NoError(cache.Remove(key))

		_, err := cache.Get(key)
		r.ErrorIs(err, rasset.ErrCacheMiss)

		// Missing file is not an error.
		r.NoError(cache.Remove(key))
	})
}

func TestDiskCache_NoTempFilesLeft(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	dir := t.TempDir()
	cache, err := NewDiskCache(dir, Options{MaxAge: time.Hour})
	r.NoError(err)

	key := rasset.CacheKey("http://ok.test/a.png")

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := make([]byte, 1<<10)
			for j := range data {
				data[j] = byte(i)
			}
			assert.NoError(t, cache.Put(key, data))
		}()
	}
	wg.Wait()

	// Every write is complete: all bytes are the same.
	data, err := cache.Get(key)
	r.NoError(err)
	r.Len(data, 1<<10)
	for _, b := range data {
		r.Equal(data[0], b)
	}

	entries, err := os.ReadDir(dir)
	r.NoError(err)
	r.Len(entries, 1)
	r.Equal(key+".cache", entries[0].Name())
}

func TestDiskCache_generateFilepath(t *testing.T) {
	t.Parallel()

	cache := &DiskCache{absDir: "/cache"}

	require.Equal(t, "/cache/abcdef0123.cache", cache.generateFilepath("ABCdef0123"))
	require.Equal(t, "/cache/______etc_passwd.cache", cache.generateFilepath("../../etc/passwd"))
}

func TestInMemoryCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	cache := NewInMemoryCache(time.Hour)
	cache.now = func() time.Time { return now }

	r.NoError(cache.Put("a", []byte("aaa")))
	r.NoError(cache.Put("b", []byte("bb")))

	data, err := cache.Get("a")
	r.NoError(err)
	r.Equal("aaa", string(data))

	stats, err := cache.Stats()
	r.NoError(err)
	r.Equal(rasset.CacheStats{FileCount: 2, TotalSizeBytes: 5}, stats)

	now = now.Add(2 * time.Hour)

	_, err = cache.Get("a")
	r.ErrorIs(err, rasset.ErrCacheMiss)

	removed, err := cache.Sweep(time.Hour)
	r.NoError(err)
	r.Equal(2, removed)

	stats, err = cache.Stats()
	r.NoError(err)
	r.Zero(stats)
}
