package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/rasset/pkg/misc"
	"github.com/ShoshinNikita/rasset/pkg/rlog"
	"github.com/ShoshinNikita/rasset/rasset"
	"github.com/ShoshinNikita/rasset/resizer"
)

const (
	jpegQuality = 85

	maxRequestBodySize = 1 << 20 // 1 MiB
	maxBatchSize       = 200

	defaultClearCacheMaxAgeHours = 72
)

type Server struct {
	httpServer *http.Server

	loader rasset.ImageLoader

	// Preloads are not bound to requests: they are stopped only on Shutdown.
	preloadCtx    context.Context //nolint:containedctx
	preloadCancel context.CancelFunc
	preloadMu     sync.Mutex // guards preloadWg.Add against Shutdown
	preloadWg     sync.WaitGroup
}

func NewServer(cfg rasset.Config, loader rasset.ImageLoader) (s *Server) {
	s = &Server{
		loader: loader,
	}
	s.preloadCtx, s.preloadCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("GET /api/image", s.handleImage)
	mux.HandleFunc("POST /api/batch", s.handleBatch)
	mux.HandleFunc("POST /api/preload", s.handlePreload)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/cache/clear", s.handleClearCache)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and interrupts the running preloads.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	// Handlers may still be running if the server shutdown has timed out.
	s.preloadMu.Lock()
	s.preloadCancel()
	s.preloadMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.preloadWg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-done:
		return err
	}
}

// handleImage returns the image as jpeg. Query params: "url" (required), "w" and "h".
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	url := r.FormValue("url")
	if !rasset.IsHTTPURL(url) {
		writeBadRequestError(w, "invalid url %q", url)
		return
	}

	width, err := parseDimension(r.FormValue("w"))
	if err != nil {
		writeBadRequestError(w, "invalid width: %s", err)
		return
	}
	height, err := parseDimension(r.FormValue("h"))
	if err != nil {
		writeBadRequestError(w, "invalid height: %s", err)
		return
	}

	img, ok := s.loader.LoadImage(r.Context(), url, rasset.Size{Width: width, Height: height})
	if !ok {
		writeError(w, http.StatusNotFound, "image is not available")
		return
	}

	buf := bytes.NewBuffer(nil)
	if err := resizer.EncodeJPEG(buf, img, jpegQuality); err != nil {
		writeInternalServerError(w, "%s", err)
		return
	}

	etag := fmt.Sprintf("%s-%dx%d", rasset.CacheKey(url)[:16], width, height)
	setCacheHeaders(w, time.Hour, etag)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))

	copyResponse(w, buf)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if len(req.URLs) > maxBatchSize {
		writeBadRequestError(w, "too many urls: %d > %d", len(req.URLs), maxBatchSize)
		return
	}
	if req.Width < 0 || req.Height < 0 {
		writeBadRequestError(w, "width and height must be >= 0")
		return
	}

	images := s.loader.LoadImagesBatch(r.Context(), req.URLs, rasset.Size{Width: req.Width, Height: req.Height})

	resp := BatchResponse{
		Images: make(map[string]*ImageInfo, len(images)),
	}
	for url, img := range images {
		if img == nil {
			resp.Images[url] = nil
			continue
		}
		resp.Images[url] = &ImageInfo{
			Width:  img.Bounds().Dx(),
			Height: img.Bounds().Dy(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePreload starts loading of the images in background.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req PreloadRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if len(req.URLs) > maxBatchSize {
		writeBadRequestError(w, "too many urls: %d > %d", len(req.URLs), maxBatchSize)
		return
	}

	var accepted int
	for _, url := range req.URLs {
		if rasset.IsHTTPURL(url) {
			accepted++
		}
	}

	if accepted > 0 && !s.startPreload(req.URLs) {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	writeJSON(w, http.StatusAccepted, PreloadResponse{Accepted: accepted})
}

// startPreload returns false if the server is shutting down.
func (s *Server) startPreload(urls []string) bool {
	s.preloadMu.Lock()
	defer s.preloadMu.Unlock()

	if s.preloadCtx.Err() != nil {
		return false
	}

	s.preloadWg.Add(1)
	go func() {
		defer s.preloadWg.Done()

		s.loader.PreloadURLs(s.preloadCtx, urls)
	}()

	return true
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.loader.GetCacheStats()

	writeJSON(w, http.StatusOK, CacheStatsResponse{
		FileCount:      stats.FileCount,
		TotalSizeBytes: stats.TotalSizeBytes,
		TotalSize:      misc.FormatFileSize(stats.TotalSizeBytes),
		SizeMB:         misc.RoundMiB(stats.TotalSizeBytes),
	})
}

// handleClearCache removes cache entries older than "max_age_hours" (72 by default).
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	maxAgeHours := defaultClearCacheMaxAgeHours
	if raw := r.FormValue("max_age_hours"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeBadRequestError(w, "invalid max_age_hours %q", raw)
			return
		}
		maxAgeHours = v
	}

	removed := s.loader.ClearCache(maxAgeHours)

	writeJSON(w, http.StatusOK, ClearCacheResponse{Removed: removed})
}

func parseDimension(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("must be >= 0")
	}
	return v, nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) (ok bool) {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeBadRequestError(w, "couldn't decode request: %s", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rlog.Errorf("couldn't write response: %s", err)
	}
}

func copyResponse(w http.ResponseWriter, src io.Reader) {
	_, err := io.Copy(w, src)
	if err != nil {
		rlog.Errorf("couldn't write response: %s", err)
	}
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
