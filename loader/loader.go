// Package loader provides concurrent loading of remote images with caching.
package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/rasset/fetcher"
	"github.com/ShoshinNikita/rasset/pkg/cache"
	"github.com/ShoshinNikita/rasset/pkg/metrics"
	"github.com/ShoshinNikita/rasset/pkg/rlog"
	"github.com/ShoshinNikita/rasset/rasset"
	"github.com/ShoshinNikita/rasset/resizer"
)

const (
	tasksQueueSize = 1024

	// defaultClearCacheMaxAge is used by ClearCache for negative ages.
	defaultClearCacheMaxAge = 72 * time.Hour
)

// Loader loads images by url. It owns a pool of workers, so every component that needs
// images should share one Loader. The zero value is not usable, use [New].
type Loader struct {
	cfg       rasset.LoaderConfig
	cache     rasset.Cache
	fetcher   *fetcher.Fetcher
	processFn func(data []byte, target rasset.Size) (image.Image, error)

	fetchGroup    singleflight.Group
	negativeCache *gocache.Cache // nil when disabled

	// Shared fetches are not bound to any caller: they are canceled only on Shutdown.
	fetchCtx    context.Context //nolint:containedctx
	fetchCancel context.CancelFunc
	fetchesWg   sync.WaitGroup

	tasksCh       chan loadTask
	stopMu        sync.RWMutex
	stopped       bool
	workersDoneCh chan struct{}
}

type loadTask struct {
	ctx      context.Context //nolint:containedctx
	url      string
	target   rasset.Size
	resultCh chan<- loadResult
}

type loadResult struct {
	url string
	img image.Image
}

type Option func(*options)

type options struct {
	cache          rasset.Cache
	fetcherOptions []fetcher.Option
}

// WithCache sets the cache for downloaded images. By default images are cached in memory.
func WithCache(c rasset.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

func WithFetcherOptions(opts ...fetcher.Option) Option {
	return func(o *options) {
		o.fetcherOptions = append(o.fetcherOptions, opts...)
	}
}

// New validates the config and starts the workers. [Loader.Shutdown] must be called
// to stop them.
func New(cfg rasset.LoaderConfig, opts ...Option) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = cache.NewInMemoryCache(cfg.CacheMaxAge)
	}

	l := &Loader{
		cfg:       cfg,
		cache:     o.cache,
		fetcher:   fetcher.NewFetcher(cfg, o.cache, o.fetcherOptions...),
		processFn: resizer.Process,
		//
		tasksCh:       make(chan loadTask, tasksQueueSize),
		workersDoneCh: make(chan struct{}),
	}
	l.fetchCtx, l.fetchCancel = context.WithCancel(context.Background())
	if cfg.NegativeCacheTTL > 0 {
		// Without the cleanup interval go-cache doesn't start a janitor goroutine.
		// Expired items are deleted by ClearCache.
		l.negativeCache = gocache.New(cfg.NegativeCacheTTL, 0)
	}

	go l.startWorkers()

	return l, nil
}

func (l *Loader) startWorkers() {
	var wg sync.WaitGroup
	for range l.cfg.MaxWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for task := range l.tasksCh {
				task.resultCh <- loadResult{
					url: task.url,
					img: l.processTask(task),
				}
			}
		}()
	}
	wg.Wait()

	close(l.workersDoneCh)
}

// processTask never panics: a panic affects only the result of the current url.
func (l *Loader) processTask(task loadTask) (img image.Image) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Errorf("panic during loading of %q: %v\n%s", task.url, r, debug.Stack())
			img = nil
		}
	}()

	if task.ctx.Err() != nil {
		return nil
	}

	img, ok := l.LoadImage(task.ctx, task.url, task.target)
	if !ok {
		return nil
	}
	return img
}

// LoadImage loads a single image and shrinks it to fit into the target size, zero target
// means the original size. It returns false if the image is not available for any reason.
func (l *Loader) LoadImage(ctx context.Context, rawURL string, target rasset.Size) (image.Image, bool) {
	if !rasset.IsHTTPURL(rawURL) {
		rlog.Debugf("skip invalid url %q", rawURL)
		return nil, false
	}

	if l.negativeCache != nil {
		if _, ok := l.negativeCache.Get(rawURL); ok {
			metrics.NegativeCacheHits.Inc()
			rlog.Debugf("skip %q: it failed recently", rawURL)
			return nil, false
		}
	}

	img, err := l.load(ctx, rawURL, target)
	if err != nil {
		if l.negativeCache != nil && rasset.IsPermanent(err) {
			l.negativeCache.SetDefault(rawURL, err.Error())
		}
		return nil, false
	}
	return img, true
}

func (l *Loader) load(ctx context.Context, rawURL string, target rasset.Size) (image.Image, error) {
	data, fromCache, err := l.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	img, err := l.process(rawURL, data, target)
	if err == nil {
		return img, nil
	}
	if !fromCache {
		rlog.Warnf("couldn't decode downloaded image %q: %s", rawURL, err)
		return nil, err
	}

	// The cached blob is corrupted. It was already removed, so the next fetch goes to the network.
	rlog.Warnf("cached image %q is corrupted, download it again: %s", rawURL, err)

	data, _, err = l.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	img, err = l.process(rawURL, data, target)
	if err != nil {
		rlog.Warnf("couldn't decode downloaded image %q: %s", rawURL, err)
		return nil, err
	}
	return img, nil
}

// process decodes the data. In case of an error the cache entry is invalidated.
func (l *Loader) process(rawURL string, data []byte, target rasset.Size) (image.Image, error) {
	img, err := l.processFn(data, target)
	if err == nil {
		return img, nil
	}

	metrics.DecodeErrors.Inc()

	if rmErr := l.cache.Remove(rasset.CacheKey(rawURL)); rmErr != nil {
		rlog.Errorf("couldn't remove invalid cache entry for %q: %s", rawURL, rmErr)
	}
	return nil, err
}

type fetchResult struct {
	data      []byte
	fromCache bool
}

var errLoaderStopped = errors.New("loader is stopped")

// fetch collapses concurrent fetches of the same url. Cancellation of ctx stops only
// the waiting of the current caller, the shared fetch continues for others.
func (l *Loader) fetch(ctx context.Context, rawURL string) (data []byte, fromCache bool, err error) {
	resCh := l.fetchGroup.DoChan(rawURL, func() (any, error) {
		return l.sharedFetch(rawURL)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-resCh:
		if res.Err != nil {
			return nil, false, res.Err
		}
		v := res.Val.(fetchResult) //nolint:forcetypeassert
		return v.data, v.fromCache, nil
	}
}

// sharedFetch is limited by the attempt timeouts and the number of retries.
func (l *Loader) sharedFetch(rawURL string) (any, error) {
	l.stopMu.RLock()
	if l.stopped {
		l.stopMu.RUnlock()
		return nil, errLoaderStopped
	}
	l.fetchesWg.Add(1)
	l.stopMu.RUnlock()

	defer l.fetchesWg.Done()

	data, fromCache, err := l.fetcher.Fetch(l.fetchCtx, rawURL)
	if err != nil {
		return nil, err
	}
	return fetchResult{data: data, fromCache: fromCache}, nil
}

// LoadImagesBatch loads images concurrently. Non-http(s) urls are skipped, all other urls are
// present in the result: unavailable images are nil.
func (l *Loader) LoadImagesBatch(ctx context.Context, urls []string, target rasset.Size) map[string]image.Image {
	now := time.Now()

	if l.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.BatchTimeout)
		defer cancel()
	}

	urls = filterURLs(urls)

	res := make(map[string]image.Image, len(urls))
	if len(urls) == 0 {
		return res
	}

	resultCh := make(chan loadResult, len(urls))
	pending := 0
	for _, url := range urls {
		res[url] = nil

		task := loadTask{ctx: ctx, url: url, target: target, resultCh: resultCh}
		if !l.submit(ctx, task) {
			continue
		}
		pending++
	}

wait:
	for pending > 0 {
		select {
		case r := <-resultCh:
			res[r.url] = r.img
			pending--
		case <-ctx.Done():
			pending -= takeReadyResults(resultCh, res)
			if pending > 0 {
				rlog.Warnf("batch was interrupted with %d pending images: %s", pending, ctx.Err())
			}
			break wait
		}
	}

	var loaded int
	for _, img := range res {
		if img != nil {
			loaded++
		}
	}

	metrics.BatchDuration.Observe(time.Since(now).Seconds())
	metrics.BatchImages.With(prometheus.Labels{"result": "loaded"}).Add(float64(loaded))
	metrics.BatchImages.With(prometheus.Labels{"result": "absent"}).Add(float64(len(res) - loaded))

	rlog.Infof("batch: %d/%d images were loaded in %s", loaded, len(res), time.Since(now))

	return res
}

// takeReadyResults reads results without blocking.
func takeReadyResults(resultCh <-chan loadResult, res map[string]image.Image) (n int) {
	for {
		select {
		case r := <-resultCh:
			res[r.url] = r.img
			n++
		default:
			return n
		}
	}
}

// submit sends a task to the workers. It returns false if the task was not accepted.
func (l *Loader) submit(ctx context.Context, task loadTask) bool {
	l.stopMu.RLock()
	defer l.stopMu.RUnlock()

	if l.stopped {
		return false
	}

	select {
	case l.tasksCh <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// filterURLs returns unique http(s) urls preserving the order.
func filterURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	res := make([]string, 0, len(urls))
	for _, url := range urls {
		if !rasset.IsHTTPURL(url) {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		res = append(res, url)
	}
	return res
}

// PreloadImages warms the cache with images of the passed items.
func (l *Loader) PreloadImages(ctx context.Context, items []rasset.AssetItem) {
	urls := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if url := item.ImageURL(); url != "" {
			urls = append(urls, url)
		}
	}
	l.PreloadURLs(ctx, urls)
}

func (l *Loader) PreloadURLs(ctx context.Context, urls []string) {
	if len(urls) == 0 {
		return
	}
	_ = l.LoadImagesBatch(ctx, urls, rasset.DefaultPreloadSize)
}

// ClearCache removes cache entries older than maxAgeHours and returns the number of removed
// entries. 0 removes all entries. Negative value means the default age of 72 hours.
func (l *Loader) ClearCache(maxAgeHours int) int {
	maxAge := time.Duration(maxAgeHours) * time.Hour
	if maxAgeHours < 0 {
		maxAge = defaultClearCacheMaxAge
	}

	if l.negativeCache != nil {
		l.negativeCache.DeleteExpired()
	}

	removed, err := l.cache.Sweep(maxAge)
	if err != nil {
		rlog.Errorf("couldn't clear cache: %s", err)
	}
	rlog.Infof("%d cache entries older than %s were removed", removed, maxAge)

	return removed
}

func (l *Loader) GetCacheStats() rasset.CacheStats {
	stats, err := l.cache.Stats()
	if err != nil {
		rlog.Errorf("couldn't get cache stats: %s", err)
		return rasset.CacheStats{}
	}
	return stats
}

// Shutdown drops all tasks in the queue, cancels running downloads and waits for them
// with respect of the passed context. Dropped and new loads produce absent results.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.stopMu.Lock()
	if l.stopped {
		l.stopMu.Unlock()
		return errors.New("loader is already stopped")
	}
	l.stopped = true
	close(l.tasksCh)
	l.stopMu.Unlock()

	l.fetchCancel()

	for task := range l.tasksCh {
		task.resultCh <- loadResult{url: task.url}
	}

	fetchesDoneCh := make(chan struct{})
	go func() {
		l.fetchesWg.Wait()
		close(fetchesDoneCh)
	}()

	for _, ch := range []<-chan struct{}{l.workersDoneCh, fetchesDoneCh} {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return nil
}
