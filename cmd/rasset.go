package cmd

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ShoshinNikita/rasset/loader"
	"github.com/ShoshinNikita/rasset/pkg/cache"
	"github.com/ShoshinNikita/rasset/pkg/rlog"
	"github.com/ShoshinNikita/rasset/rasset"
	"github.com/ShoshinNikita/rasset/web"
)

type Rasset struct {
	cfg rasset.Config

	imageCache   *cache.DiskCache
	cacheCleaner *cache.Cleaner
	loader       *loader.Loader

	server *web.Server
}

func NewRasset(cfg rasset.Config) *Rasset {
	return &Rasset{
		cfg: cfg,
	}
}

func (r *Rasset) Prepare() (err error) {
	// Cache
	r.imageCache, err = cache.NewDiskCache(r.cfg.CacheDir, cache.Options{
		MaxAge: r.cfg.Loader.CacheMaxAge,
	})
	if err != nil {
		return fmt.Errorf("couldn't prepare disk cache: %w", err)
	}

	r.cacheCleaner = cache.NewCleaner(r.imageCache.Dir(), cache.CleanerOptions{
		Interval:     r.cfg.CleanupInterval,
		MaxFileAge:   r.cfg.CleanupMaxAge,
		MaxTotalSize: r.cfg.CacheMaxTotalSize.Bytes(),
	})

	// Loader
	r.loader, err = loader.New(r.cfg.Loader, loader.WithCache(r.imageCache))
	if err != nil {
		return fmt.Errorf("couldn't prepare loader: %w", err)
	}

	// Web Server
	r.server = web.NewServer(r.cfg, r.loader)

	return nil
}

func (r *Rasset) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"web server": r.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (r *Rasset) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		// The server goes first: its preloads use the loader.
		{"web server", r.server},
		{"loader", r.loader},
		{"cache cleaner", r.cacheCleaner},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			failed++
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
