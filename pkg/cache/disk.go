package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode"

	"github.com/ShoshinNikita/rasset/pkg/metrics"
	"github.com/ShoshinNikita/rasset/rasset"
)

const (
	fileExt        = ".cache"
	tempFilePrefix = ".tmp-"
)

// DiskCache keeps one file per key in a flat directory. The file mod time is the
// only metadata: an entry is fresh while its age is less than [Options.MaxAge].
type DiskCache struct {
	absDir string
	maxAge time.Duration
	now    func() time.Time
}

var _ rasset.Cache = (*DiskCache)(nil)

type Options struct {
	MaxAge time.Duration
}

func NewDiskCache(dir string, opts Options) (*DiskCache, error) {
	if opts.MaxAge <= 0 {
		return nil, errors.New("max age must be > 0")
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create cache dir %q: %w", absDir, err)
	}

	return &DiskCache{
		absDir: absDir,
		maxAge: opts.MaxAge,
		now:    time.Now,
	}, nil
}

func (c *DiskCache) Dir() string {
	return c.absDir
}

// Get returns the cached blob. If the file doesn't exist or is too old, it returns [rasset.ErrCacheMiss].
// Stale files are not removed, it is a job of [Cleaner].
func (c *DiskCache) Get(key string) ([]byte, error) {
	path := c.generateFilepath(key)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.CacheMisses.Inc()
			return nil, rasset.ErrCacheMiss
		}

		metrics.CacheErrors.Inc()
		return nil, err
	}
	if c.now().Sub(info.ModTime()) >= c.maxAge {
		metrics.CacheMisses.Inc()
		return nil, rasset.ErrCacheMiss
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Removed after the stat call.
			metrics.CacheMisses.Inc()
			return nil, rasset.ErrCacheMiss
		}

		metrics.CacheErrors.Inc()
		return nil, err
	}

	metrics.CacheHits.Inc()
	return data, nil
}

// Put writes the blob to a temp file and renames it, so readers never see a partially written file.
func (c *DiskCache) Put(key string, data []byte) (err error) {
	path := c.generateFilepath(key)

	tempFile, err := os.CreateTemp(c.absDir, tempFilePrefix+"*")
	if err != nil {
		metrics.CacheErrors.Inc()
		return fmt.Errorf("couldn't create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			metrics.CacheErrors.Inc()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("couldn't write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("couldn't close temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("couldn't rename temp file: %w", err)
	}
	return nil
}

// Remove removes the cache file associated with the key. To remove old files
// use [Cleaner] or Sweep, cache files should be manually removed only when they are corrupted.
func (c *DiskCache) Remove(key string) error {
	err := os.Remove(c.generateFilepath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *DiskCache) Sweep(maxAge time.Duration) (removed int, err error) {
	return Sweep(c.absDir, maxAge, c.now())
}

func (c *DiskCache) Stats() (rasset.CacheStats, error) {
	return GetStats(c.absDir)
}

// generateFilepath generates a filepath of pattern '<dir>/<key>.cache'. Keys are expected
// to be hex digests, all other characters are replaced to never escape the cache dir.
func (c *DiskCache) generateFilepath(key string) string {
	name := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			r = unicode.ToLower(r)
		default:
			r = '_'
		}
		name = append(name, r)
	}

	return filepath.Join(c.absDir, string(name)+fileExt)
}
