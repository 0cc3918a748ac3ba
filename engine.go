package hangar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sethcottle/hangar/internal/feedsync"
	"github.com/sethcottle/hangar/internal/imagecache"
	"github.com/sethcottle/hangar/internal/storage"
)

// Engine is the public API for hangar's feed cache. It owns the per-user
// record store and the image cache, and hands out sync coordinators bound
// to them.
type Engine struct {
	store  *storage.Store
	images *imagecache.Cache
	loader *imagecache.Loader
	config EngineConfig
}

// NewEngine opens the cache database and builds the image pipeline. Nothing
// touches the network until a coordinator or the image loader is used.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = feedsync.DefaultPageSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = feedsync.DefaultPollInterval
	}
	if cfg.ProfileMaxAge <= 0 {
		cfg.ProfileMaxAge = feedsync.DefaultProfileMaxAge
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = imagecache.DefaultMaxConcurrent
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	var store *storage.Store
	var err error
	if cfg.DBPath != "" {
		store, err = storage.OpenPath(cfg.DBPath)
	} else {
		store, err = storage.Open(cfg.DataDir, cfg.UserKey)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	images, err := imagecache.New(store.Images(), imagecache.Options{
		MemoryCapacity: cfg.ImageMemoryCapacity,
		MaxDiskBytes:   cfg.ImageMaxDiskBytes,
		MaxAge:         cfg.ImageMaxAge,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create image cache: %w", err)
	}

	fetcher := cfg.ImageFetcher
	if fetcher == nil {
		fetcher = imagecache.NewHTTPFetcher(cfg.FetchTimeout, cfg.MaxImageBytes, cfg.UserAgent)
	}

	loader := imagecache.NewLoader(images, fetcher, cfg.MaxConcurrent)
	loader.SetTimeout(cfg.FetchTimeout)

	return &Engine{
		store:  store,
		images: images,
		loader: loader,
		config: cfg,
	}, nil
}

// Path returns the cache database file.
func (e *Engine) Path() string {
	return e.store.Path()
}

// NewCoordinator returns a sync coordinator over this engine's cache.
func (e *Engine) NewCoordinator() *Coordinator {
	return feedsync.New(e.store, feedsync.Options{
		PageSize:     e.config.PageSize,
		PollInterval: e.config.PollInterval,
	})
}

// NewMutator returns a like/repost mutator that sends interactions through in.
func (e *Engine) NewMutator(in Interactor) *Mutator {
	return feedsync.NewMutator(e.store, in)
}

// NewProfileLoader returns a profile loader that fetches through src.
func (e *Engine) NewProfileLoader(src ProfileSource) *ProfileLoader {
	return feedsync.NewProfileLoader(e.store, src, e.config.ProfileMaxAge)
}

// CachedPage returns cached posts of a feed in display order.
func (e *Engine) CachedPage(feedKey string, offset, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = e.config.PageSize
	}
	return e.store.Feeds().GetPage(feedKey, offset, limit)
}

// FeedState returns the cached pagination state of a feed.
func (e *Engine) FeedState(feedKey string) (FeedState, error) {
	return e.store.Feeds().GetState(feedKey)
}

// CachedProfile returns a profile from the cache only.
func (e *Engine) CachedProfile(did string) (*Profile, error) {
	return e.store.Profiles().Get(did)
}

// Image returns the image at url, from cache when possible.
func (e *Engine) Image(ctx context.Context, url string) (ImageEntry, error) {
	return e.loader.Load(ctx, url)
}

// CachedImage returns the image at url without touching the network.
func (e *Engine) CachedImage(url string) (ImageEntry, bool) {
	return e.images.Get(url)
}

// PrefetchImages warms the image cache with every image the posts reference.
// It returns how many images were downloaded.
func (e *Engine) PrefetchImages(ctx context.Context, posts []Post) (int, error) {
	var urls []string
	for _, p := range posts {
		urls = append(urls, p.ImageURLs()...)
	}
	return e.loader.Prefetch(ctx, urls)
}

// ImageStats describes both image cache tiers.
func (e *Engine) ImageStats() (ImageStats, error) {
	return e.images.Stats()
}

// CleanupImages expires and evicts images from the disk tier.
func (e *Engine) CleanupImages() (storage.ImageCleanupResult, error) {
	return e.images.Cleanup()
}

// Cleanup removes stale feed items and orphaned records, then trims the
// image disk tier. An image failure does not undo the record sweep.
func (e *Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	records, err := e.store.CleanupStale()
	if err != nil {
		return res, fmt.Errorf("cleanup records: %w", err)
	}
	res.Records = records

	if err := ctx.Err(); err != nil {
		return res, err
	}
	images, err := e.images.Cleanup()
	if err != nil {
		return res, fmt.Errorf("cleanup images: %w", err)
	}
	res.Images = images

	if records.Total() > 0 || images.Expired+images.Evicted > 0 {
		log.Printf("hangar: cleanup removed %d records, %d images (%d bytes)",
			records.Total(), images.Expired+images.Evicted, images.FreedBytes)
	}
	return res, nil
}

// Close releases all resources held by the engine.
func (e *Engine) Close() error {
	return e.store.Close()
}
