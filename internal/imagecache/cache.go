// Package imagecache keeps image bytes keyed by source URL in a bounded
// in-memory LRU backed by the SQLite disk tier, and loads misses from the
// network.
package imagecache

import (
	"errors"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sethcottle/hangar/internal/metrics"
	"github.com/sethcottle/hangar/internal/storage"
)

const (
	DefaultMemoryCapacity = 200
	DefaultMaxDiskBytes   = 100 * 1024 * 1024
	DefaultMaxAge         = 30 * 24 * time.Hour
)

// DiskTier is the persistent half of the cache. *storage.ImageStore
// implements it.
type DiskTier interface {
	Get(url string) (*storage.Image, error)
	Put(url string, data []byte, contentType *string) error
	Exists(url string) (bool, error)
	Cleanup(maxAge time.Duration, maxBytes int64) (storage.ImageCleanupResult, error)
	Stats() (storage.ImageStats, error)
}

// Entry is a cached image body.
type Entry struct {
	Data        []byte
	ContentType *string
}

// Options configures a Cache. Zero fields take the defaults above.
type Options struct {
	MemoryCapacity int
	MaxDiskBytes   int64
	MaxAge         time.Duration
}

// Stats describes both tiers.
type Stats struct {
	DiskCount     int64 `json:"disk_count"`
	DiskSizeBytes int64 `json:"disk_size_bytes"`
	MemoryCount   int   `json:"memory_count"`
}

// Cache is the two-tier image cache. The memory tier is strict LRU and is
// authoritative for the life of the process; disk writes are best effort.
type Cache struct {
	mem      *lru.Cache[string, Entry]
	disk     DiskTier
	maxBytes int64
	maxAge   time.Duration
}

// New creates a Cache over disk.
func New(disk DiskTier, opts Options) (*Cache, error) {
	if opts.MemoryCapacity <= 0 {
		opts.MemoryCapacity = DefaultMemoryCapacity
	}
	if opts.MaxDiskBytes <= 0 {
		opts.MaxDiskBytes = DefaultMaxDiskBytes
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	mem, err := lru.New[string, Entry](opts.MemoryCapacity)
	if err != nil {
		return nil, err
	}
	return &Cache{
		mem:      mem,
		disk:     disk,
		maxBytes: opts.MaxDiskBytes,
		maxAge:   opts.MaxAge,
	}, nil
}

// Get returns the image for url. A disk hit is promoted into memory.
func (c *Cache) Get(url string) (Entry, bool) {
	if e, ok := c.mem.Get(url); ok {
		metrics.ImageLookup("memory", "hit")
		return e, true
	}
	metrics.ImageLookup("memory", "miss")

	img, err := c.disk.Get(url)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.ImageLookup("disk", "miss")
		} else {
			metrics.ImageLookup("disk", "error")
			log.Printf("imagecache: disk read %s: %v", url, err)
		}
		return Entry{}, false
	}
	metrics.ImageLookup("disk", "hit")

	e := Entry{Data: img.Data, ContentType: img.ContentType}
	c.mem.Add(url, e)
	return e, true
}

// Store caches data for url in memory and, best effort, on disk.
func (c *Cache) Store(url string, data []byte, contentType *string) {
	c.mem.Add(url, Entry{Data: data, ContentType: contentType})
	if err := c.disk.Put(url, data, contentType); err != nil {
		metrics.CacheWriteError("image")
		log.Printf("imagecache: disk write %s: %v", url, err)
	}
}

// Contains reports whether url is cached in either tier without changing
// recency.
func (c *Cache) Contains(url string) bool {
	if c.mem.Contains(url) {
		return true
	}
	ok, err := c.disk.Exists(url)
	if err != nil {
		log.Printf("imagecache: disk lookup %s: %v", url, err)
		return false
	}
	return ok
}

// Cleanup reclaims disk space: images unread for the max age go first, then
// the least recently read until the disk tier fits its byte budget. The
// memory tier is bounded on its own and is not touched.
func (c *Cache) Cleanup() (storage.ImageCleanupResult, error) {
	return c.disk.Cleanup(c.maxAge, c.maxBytes)
}

// Stats reports entry counts for both tiers.
func (c *Cache) Stats() (Stats, error) {
	st, err := c.disk.Stats()
	if err != nil {
		return Stats{MemoryCount: c.mem.Len()}, err
	}
	return Stats{
		DiskCount:     st.Count,
		DiskSizeBytes: st.SizeBytes,
		MemoryCount:   c.mem.Len(),
	}, nil
}
