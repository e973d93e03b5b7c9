package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/rasset/pkg/metrics"
	"github.com/ShoshinNikita/rasset/pkg/misc"
	"github.com/ShoshinNikita/rasset/pkg/rlog"
	"github.com/ShoshinNikita/rasset/rasset"
)

const (
	chunkSize    = 8 << 10 // 8 KiB
	acceptHeader = "image/webp,image/apng,image/*,*/*;q=0.8"

	// maxBackoffShift prevents overflow of the back-off duration.
	maxBackoffShift = 16
)

// Fetcher loads raw image bytes: from cache if possible, otherwise from network
// with retries. Downloaded bytes are saved to cache.
type Fetcher struct {
	cfg     rasset.LoaderConfig
	cache   rasset.Cache
	client  *http.Client
	sleepFn func(ctx context.Context, d time.Duration) error
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithSleepFn replaces the function used to wait between attempts.
func WithSleepFn(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) {
		f.sleepFn = fn
	}
}

func NewFetcher(cfg rasset.LoaderConfig, cache rasset.Cache, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:     cfg,
		cache:   cache,
		client:  NewHTTPClient(),
		sleepFn: sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewHTTPClient returns a client with a connection pool. There is no client-level timeout:
// every attempt has its own one.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 20
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: transport,
	}
}

// Backoff returns the pause after the failed attempt with the passed 0-based index.
func Backoff(attempt int, unit time.Duration) time.Duration {
	attempt = max(0, min(attempt, maxBackoffShift))
	return unit << attempt
}

// AttemptTimeout returns the timeout of the attempt with the passed 0-based index.
// Flaky but slow hosts get more time on retries.
func AttemptTimeout(cfg rasset.LoaderConfig, attempt int) time.Duration {
	return cfg.FetchTimeout + time.Duration(attempt)*cfg.FetchTimeoutStep
}

// Fetch returns image bytes for the original url. fromCache is true when data was read from cache.
//
// Errors can be checked with [rasset.IsPermanent] and [rasset.IsTransient]. Cache errors
// never fail the fetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (data []byte, fromCache bool, err error) {
	if !rasset.IsHTTPURL(rawURL) {
		return nil, false, rasset.ErrInvalidURL
	}

	key := rasset.CacheKey(rawURL)

	data, err = f.cache.Get(key)
	switch {
	case err == nil:
		rlog.Debugf("load %q from cache", rawURL)
		return data, true, nil
	case errors.Is(err, rasset.ErrCacheMiss):
		// Go to the network.
	default:
		rlog.Warnf("couldn't read cache for %q, download it: %s", rawURL, err)
	}

	data, err = f.Download(ctx, rawURL)
	if err != nil {
		return nil, false, err
	}

	if err := f.cache.Put(key, data); err != nil {
		rlog.Errorf("couldn't save %q to cache: %s", rawURL, err)
	}
	return data, false, nil
}

// Download downloads the image bypassing the cache. It makes up to MaxRetries attempts,
// but only for transient errors.
func (f *Fetcher) Download(ctx context.Context, rawURL string) ([]byte, error) {
	if !rasset.IsHTTPURL(rawURL) {
		return nil, rasset.ErrInvalidURL
	}

	target := RewriteURL(rawURL, f.cfg.Proxy)
	if target != rawURL {
		rlog.Debugf("download %q through proxy: %q", rawURL, target)
	}

	start := time.Now()

	var lastErr error
	for attempt := 0; ; attempt++ {
		metrics.FetchAttempts.Inc()

		data, err := f.download(ctx, target, attempt)
		if err == nil {
			metrics.FetchDuration.Observe(time.Since(start).Seconds())
			metrics.DownloadedBlobSizes.Observe(float64(len(data)))
			observeResult(metrics.FetchResultOK)

			rlog.Infof("image %q was downloaded in %s, size: %s", rawURL, time.Since(start), misc.FormatFileSize(int64(len(data))))
			return data, nil
		}

		err = classifyError(ctx, attempt, err)
		if !rasset.IsTransient(err) {
			switch {
			case errors.Is(err, rasset.ErrNotFound):
				observeResult(metrics.FetchResultNotFound)
				rlog.Warnf("image %q doesn't exist", rawURL)
			case errors.Is(err, rasset.ErrSizeLimitExceeded):
				observeResult(metrics.FetchResultOversized)
				rlog.Warnf("image %q is too large: %s", rawURL, err)
			default:
				observeResult(metrics.FetchResultCanceled)
			}
			return nil, err
		}

		lastErr = err
		rlog.Warnf("couldn't download %q (%d/%d): %s", rawURL, attempt+1, f.cfg.MaxRetries, err)

		if attempt+1 >= f.cfg.MaxRetries {
			break
		}
		if err := f.sleepFn(ctx, Backoff(attempt, f.cfg.BackoffUnit)); err != nil {
			observeResult(metrics.FetchResultCanceled)
			return nil, fmt.Errorf("download was canceled: %w", err)
		}
	}

	observeResult(metrics.FetchResultTransient)
	rlog.Errorf("couldn't download %q after %d attempts: %s", rawURL, f.cfg.MaxRetries, lastErr)

	return nil, lastErr
}

func (f *Fetcher) download(ctx context.Context, url string, attempt int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, AttemptTimeout(f.cfg, attempt))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rasset.ErrInvalidURL, err)
	}
	req.Header.Set("Accept", acceptHeader)
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, rasset.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &statusError{code: resp.StatusCode}
	}

	maxSize := f.cfg.MaxBlobSize.Bytes()
	if resp.ContentLength > maxSize {
		return nil, fmt.Errorf("%w: declared size %d > %d", rasset.ErrSizeLimitExceeded, resp.ContentLength, maxSize)
	}

	return readBody(resp.Body, resp.ContentLength, maxSize)
}

// readBody reads the body chunk by chunk and stops as soon as maxSize is exceeded,
// the declared content length can be absent or wrong.
func readBody(body io.Reader, contentLength, maxSize int64) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if contentLength > 0 {
		buf.Grow(int(contentLength))
	}

	chunk := make([]byte, chunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if int64(buf.Len()+n) > maxSize {
				return nil, fmt.Errorf("%w: got more than %d bytes", rasset.ErrSizeLimitExceeded, maxSize)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("couldn't read body: %w", err)
		}
	}
	return buf.Bytes(), nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// classifyError wraps retryable errors into [rasset.TransientError]. Cancellation of
// the parent context is never retried.
func classifyError(ctx context.Context, attempt int, err error) error {
	switch {
	case rasset.IsPermanent(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("download was canceled: %w", ctx.Err())
	default:
		return &rasset.TransientError{Attempt: attempt, Err: err}
	}
}

func observeResult(result string) {
	metrics.FetchResults.With(prometheus.Labels{"result": result}).Inc()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
