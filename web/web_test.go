package web

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rasset/rasset"
)

type loaderStub struct {
	mu             sync.Mutex
	preloaded      []string
	clearCacheArgs []int
}

var _ rasset.ImageLoader = (*loaderStub)(nil)

func newLoaderStub() *loaderStub {
	return &loaderStub{}
}

// LoadImage returns an image with the target size for urls with "ok" host.
func (s *loaderStub) LoadImage(_ context.Context, url string, target rasset.Size) (image.Image, bool) {
	if !strings.HasPrefix(url, "http://ok.test/") {
		return nil, false
	}
	width, height := target.Width, target.Height
	if width == 0 {
		width = 10
	}
	if height == 0 {
		height = 10
	}
	return image.NewRGBA(image.Rect(0, 0, width, height)), true
}

func (s *loaderStub) LoadImagesBatch(ctx context.Context, urls []string, target rasset.Size) map[string]image.Image {
	res := make(map[string]image.Image)
	for _, url := range urls {
		if !rasset.IsHTTPURL(url) {
			continue
		}
		img, _ := s.LoadImage(ctx, url, target)
		res[url] = img
	}
	return res
}

func (s *loaderStub) PreloadURLs(_ context.Context, urls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.preloaded = append(s.preloaded, urls...)
}

func (s *loaderStub) ClearCache(maxAgeHours int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearCacheArgs = append(s.clearCacheArgs, maxAgeHours)
	return 3
}

func (s *loaderStub) GetCacheStats() rasset.CacheStats {
	return rasset.CacheStats{FileCount: 2, TotalSizeBytes: 3 << 19}
}

func newTestServer(t *testing.T) (*Server, *loaderStub) {
	t.Helper()

	stub := newLoaderStub()
	s := NewServer(rasset.Config{}, stub)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, s.Shutdown(ctx))
	})

	return s, stub
}

func (s *Server) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_handleImage(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	t.Run("ok", func(t *testing.T) {
		r := require.New(t)

		rec := s.do(http.MethodGet, "/api/image?url=http%3A%2F%2Fok.test%2Fa.png&w=30&h=20", "")
		r.Equal(http.StatusOK, rec.Code)
		r.Equal("image/jpeg", rec.Header().Get("Content-Type"))
		r.NotEmpty(rec.Header().Get("ETag"))

		cfg, format, err := image.DecodeConfig(rec.Body)
		r.NoError(err)
		r.Equal("jpeg", format)
		r.Equal(30, cfg.Width)
		r.Equal(20, cfg.Height)
	})

	t.Run("not available", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/image?url=http%3A%2F%2F404.test%2Fa.png", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad requests", func(t *testing.T) {
		for _, target := range []string{
			"/api/image",
			"/api/image?url=not-a-url",
			"/api/image?url=http%3A%2F%2Fok.test%2Fa.png&w=abc",
			"/api/image?url=http%3A%2F%2Fok.test%2Fa.png&h=-1",
		} {
			rec := s.do(http.MethodGet, target, "")
			require.Equal(t, http.StatusBadRequest, rec.Code, target)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/image?url=http%3A%2F%2Fok.test%2Fa.png", "")
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServer_handleBatch(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	t.Run("ok", func(t *testing.T) {
		r := require.New(t)

		rec := s.do(http.MethodPost, "/api/batch", `{
			"urls": ["http://ok.test/a.png", "http://404.test/b.png", "not-a-url"],
			"width": 100,
			"height": 50
		}`)
		r.Equal(http.StatusOK, rec.Code)
		r.Equal("application/json", rec.Header().Get("Content-Type"))
		r.JSONEq(`{
			"images": {
				"http://ok.test/a.png": {"width": 100, "height": 50},
				"http://404.test/b.png": null
			}
		}`, rec.Body.String())
	})

	t.Run("bad requests", func(t *testing.T) {
		tooMany := make([]string, maxBatchSize+1)
		for i := range tooMany {
			tooMany[i] = "http://ok.test/a.png"
		}
		tooManyBody, err := json.Marshal(BatchRequest{URLs: tooMany})
		require.NoError(t, err)

		for _, body := range []string{
			"",
			"{",
			`{"urls": ["http://ok.test/a.png"], "width": -1}`,
			string(tooManyBody),
		} {
			rec := s.do(http.MethodPost, "/api/batch", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})
}

func TestServer_handlePreload(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, stub := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/preload", `{"urls": ["http://ok.test/a.png", "", "not-a-url", "https://ok.test/b.png"]}`)
	r.Equal(http.StatusAccepted, rec.Code)
	r.JSONEq(`{"accepted": 2}`, rec.Body.String())

	r.Eventually(func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()

		return len(stub.preloaded) == 4
	}, time.Second, 10*time.Millisecond)

	// Nothing to preload.
	rec = s.do(http.MethodPost, "/api/preload", `{"urls": ["not-a-url"]}`)
	r.Equal(http.StatusAccepted, rec.Code)
	r.JSONEq(`{"accepted": 0}`, rec.Body.String())
}

func TestServer_handlePreloadAfterShutdown(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, stub := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.NoError(s.Shutdown(ctx))

	rec := s.do(http.MethodPost, "/api/preload", `{"urls": ["http://ok.test/a.png"]}`)
	r.Equal(http.StatusServiceUnavailable, rec.Code)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	r.Empty(stub.preloaded)
}

func TestServer_cache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, stub := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/cache/stats", "")
	r.Equal(http.StatusOK, rec.Code)
	r.JSONEq(`{"file_count": 2, "total_size_bytes": 1572864, "total_size": "1.5 MiB", "size_mb": 1.5}`, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/cache/clear", "")
	r.Equal(http.StatusOK, rec.Code)
	r.JSONEq(`{"removed": 3}`, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/cache/clear?max_age_hours=0", "")
	r.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/cache/clear?max_age_hours=-5", "")
	r.Equal(http.StatusBadRequest, rec.Code)

	r.Equal([]int{72, 0}, stub.clearCacheArgs)
}

func TestServer_metrics(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, _ := newTestServer(t)

	// Produce some metrics.
	s.do(http.MethodGet, "/api/cache/stats", "")

	rec := s.do(http.MethodGet, "/debug/metrics", "")
	r.Equal(http.StatusOK, rec.Code)
	r.Contains(rec.Body.String(), `rasset_web_http_response_time_seconds_count{path="GET /api/cache/stats"}`)
}
