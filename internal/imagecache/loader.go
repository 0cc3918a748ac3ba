package imagecache

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sethcottle/hangar/internal/metrics"
)

// DefaultMaxConcurrent bounds simultaneous image downloads.
const DefaultMaxConcurrent = 16

// DefaultLoadTimeout bounds a shared download once every caller has gone.
const DefaultLoadTimeout = 30 * time.Second

// Loader resolves image URLs through the cache, falling back to the network.
// Concurrent loads of the same URL share one download.
type Loader struct {
	cache   *Cache
	fetcher Fetcher
	sem     *semaphore.Weighted
	limit   int
	timeout time.Duration
	group   singleflight.Group
}

// NewLoader creates a Loader allowing at most maxConcurrent downloads at once.
func NewLoader(cache *Cache, fetcher Fetcher, maxConcurrent int) *Loader {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Loader{
		cache:   cache,
		fetcher: fetcher,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limit:   maxConcurrent,
		timeout: DefaultLoadTimeout,
	}
}

// SetTimeout bounds each shared download. Zero or less keeps the default.
func (l *Loader) SetTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// Load returns the image for url from the cache or, on a miss, downloads and
// caches it. The download is shared by every concurrent caller and outlives
// any one of them; ctx only bounds how long this caller waits.
func (l *Loader) Load(ctx context.Context, url string) (Entry, error) {
	if e, ok := l.cache.Get(url); ok {
		return e, nil
	}

	ch := l.group.DoChan(url, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()

		if err := l.sem.Acquire(fetchCtx, 1); err != nil {
			return Entry{}, err
		}
		defer l.sem.Release(1)

		data, contentType, err := l.fetcher.FetchBytes(fetchCtx, url)
		if err != nil {
			metrics.ImageLookup("network", "error")
			return Entry{}, err
		}
		metrics.ImageLookup("network", "hit")
		l.cache.Store(url, data, contentType)
		return Entry{Data: data, ContentType: contentType}, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// Prefetch warms the cache with every url not already cached and returns how
// many were downloaded. Individual failures are logged and skipped.
func (l *Loader) Prefetch(ctx context.Context, urls []string) (int, error) {
	var loaded atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.limit)

	seen := make(map[string]bool, len(urls))
	for _, url := range urls {
		if seen[url] || l.cache.Contains(url) {
			continue
		}
		seen[url] = true
		g.Go(func() error {
			if _, err := l.Load(ctx, url); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("imagecache: prefetch %s: %v", url, err)
				return nil
			}
			loaded.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(loaded.Load()), err
}
