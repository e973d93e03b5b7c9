package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ShoshinNikita/rasset/pkg/metrics"
	"github.com/ShoshinNikita/rasset/pkg/misc"
	"github.com/ShoshinNikita/rasset/pkg/rlog"
	"github.com/ShoshinNikita/rasset/rasset"
)

// Cleaner periodically removes old files and controls total size of the cache.
type Cleaner struct {
	dir              string
	cleanupInterval  time.Duration
	maxFileAge       time.Duration
	maxTotalFileSize int64 // in bytes, 0 means no limit

	stopOnce               sync.Once
	stopCh                 chan struct{}
	cleanupProcessFinished chan struct{}
}

type CleanerOptions struct {
	Interval     time.Duration
	MaxFileAge   time.Duration
	MaxTotalSize int64
}

type fileInfo struct {
	path    string
	modTime time.Time
	size    int64
	// temp is true for leftovers of interrupted writes.
	temp bool
}

func NewCleaner(dir string, opts CleanerOptions) *Cleaner {
	c := &Cleaner{
		dir:              dir,
		cleanupInterval:  opts.Interval,
		maxFileAge:       opts.MaxFileAge,
		maxTotalFileSize: opts.MaxTotalSize,
		//
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}

	go c.startCleanupProcess()

	return c
}

func (c *Cleaner) startCleanupProcess() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		// Run immediately.
		c.cleanup(time.Now())

		select {
		case <-ticker.C:
			continue
		case <-c.stopCh:
			close(c.cleanupProcessFinished)
			return
		}
	}
}

func (c *Cleaner) cleanup(now time.Time) {
	rlog.Debugf("start cleanup of %q", c.dir)

	_, err := cleanDir(c.dir, now, c.maxFileAge, c.maxTotalFileSize)
	if err != nil {
		logf := rlog.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = rlog.Warnf
		}
		logf("couldn't load files to clean: %s", err)
	}
}

func (c *Cleaner) Shutdown(ctx context.Context) error {
	var stopped bool
	c.stopOnce.Do(func() {
		close(c.stopCh)
		stopped = true
	})
	if !stopped {
		return errors.New("cleaner is already stopped")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}

// Sweep removes cache entries older than maxAge and returns the number of removed entries.
// Errors of individual files are logged and skipped.
func Sweep(dir string, maxAge time.Duration, now time.Time) (removed int, err error) {
	removed, err = cleanDir(dir, now, maxAge, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return removed, err
}

// GetStats returns the number of cache entries and their total size. Missing dir means empty cache.
func GetStats(dir string) (rasset.CacheStats, error) {
	files, err := loadAllFiles(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rasset.CacheStats{}, nil
		}
		return rasset.CacheStats{}, err
	}

	var stats rasset.CacheStats
	for _, f := range files {
		if f.temp {
			continue
		}
		stats.FileCount++
		stats.TotalSizeBytes += f.size
	}
	return stats, nil
}

func cleanDir(dir string, now time.Time, maxFileAge time.Duration, maxTotalFileSize int64) (removed int, err error) {
	allFiles, err := loadAllFiles(dir)
	if err != nil {
		return 0, err
	}

	filesToRemove := getFilesToRemove(allFiles, now, maxFileAge, maxTotalFileSize)
	if len(filesToRemove) == 0 {
		rlog.Debug("no files to remove from cache")
		return 0, nil
	}

	removedFiles, cleanedSpace, errs := removeFiles(filesToRemove)
	for _, err := range errs {
		rlog.Error(err)
	}
	metrics.CacheRemovedFiles.Add(float64(removedFiles))

	if removedFiles > 0 {
		rlog.Infof(
			"%d files have been removed from cache for a total of %s freed, got %d errors",
			removedFiles, misc.FormatFileSize(cleanedSpace), len(errs),
		)
	}
	return removedFiles, nil
}

// loadAllFiles returns cache entries and temp files. The cache dir is flat, so subdirectories
// and unknown files are ignored.
func loadAllFiles(dir string) (files []fileInfo, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		isTemp := strings.HasPrefix(name, tempFilePrefix)
		if !isTemp && !strings.HasSuffix(name, fileExt) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed concurrently.
				continue
			}
			return nil, err
		}

		files = append(files, fileInfo{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime(),
			size:    info.Size(),
			temp:    isTemp,
		})
	}
	return files, nil
}

func getFilesToRemove(files []fileInfo, now time.Time, maxFileAge time.Duration, maxTotalFileSize int64) (res []fileInfo) {
	minModTime := now.Add(-maxFileAge)

	var (
		kept     []fileInfo
		keptSize int64
	)
	for _, f := range files {
		if f.modTime.Before(minModTime) {
			res = append(res, f)
			continue
		}
		// Temp files may be written right now.
		if !f.temp {
			kept = append(kept, f)
			keptSize += f.size
		}
	}
	if maxTotalFileSize <= 0 {
		return res
	}

	// Evict the oldest entries until the rest fit into the limit.
	slices.SortStableFunc(kept, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})
	for _, f := range kept {
		if keptSize < maxTotalFileSize {
			break
		}
		res = append(res, f)
		keptSize -= f.size
	}
	return res
}

// removeFiles removes passed files. Temp files are not counted.
func removeFiles(files []fileInfo) (removedFiles int, cleanedSpace int64, errs []error) {
	for _, file := range files {
		err := os.Remove(file.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("couldn't remove file %q from cache: %w", file.path, err))
			continue
		}
		if file.temp {
			continue
		}
		removedFiles++
		cleanedSpace += file.size
	}
	return removedFiles, cleanedSpace, errs
}
