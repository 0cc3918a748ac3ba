package hangar

import (
	"time"

	"github.com/sethcottle/hangar/internal/feedsync"
	"github.com/sethcottle/hangar/internal/imagecache"
	"github.com/sethcottle/hangar/internal/storage"
)

// EngineConfig configures the hangar cache engine. Zero values take the
// package defaults.
type EngineConfig struct {
	DataDir string // root of per-user cache directories; empty means the XDG data dir
	UserKey string // account the cache belongs to, normally its DID
	DBPath  string // explicit database file; overrides DataDir and UserKey

	ImageMemoryCapacity int
	ImageMaxDiskBytes   int64
	ImageMaxAge         time.Duration

	FetchTimeout  time.Duration
	MaxConcurrent int // simultaneous image downloads
	MaxImageBytes int64
	UserAgent     string

	PageSize      int
	PollInterval  time.Duration
	ProfileMaxAge time.Duration

	// ImageFetcher replaces the HTTP image fetcher, mostly for tests.
	ImageFetcher imagecache.Fetcher
}

// Cached records.
type (
	Post         = storage.Post
	Author       = storage.Author
	Profile      = storage.Profile
	Embed        = storage.Embed
	EmbedKind    = storage.EmbedKind
	RepostReason = storage.RepostReason
	ReplyContext = storage.ReplyContext
	FeedState    = storage.FeedState
)

// Sync protocol.
type (
	Coordinator   = feedsync.Coordinator
	Mutator       = feedsync.Mutator
	ProfileLoader = feedsync.ProfileLoader
	Source        = feedsync.Source
	SourceFunc    = feedsync.SourceFunc
	Page          = feedsync.Page
	Interactor    = feedsync.Interactor
	ProfileSource = feedsync.ProfileSource
	Snapshot      = feedsync.Snapshot
	SyncResult    = feedsync.Result
	NewPosts      = feedsync.NewPosts
)

// Images.
type (
	ImageEntry = imagecache.Entry
	ImageStats = imagecache.Stats
)

// CleanupResult reports one full cleanup sweep.
type CleanupResult struct {
	Records storage.CleanupResult      `json:"records"`
	Images  storage.ImageCleanupResult `json:"images"`
}

// Errors callers are expected to test for with errors.Is.
var (
	ErrNotFound      = storage.ErrNotFound
	ErrFetch         = feedsync.ErrFetch
	ErrFeedChanged   = feedsync.ErrFeedChanged
	ErrNoFeed        = feedsync.ErrNoFeed
	ErrInteraction   = feedsync.ErrInteraction
	ErrPending       = feedsync.ErrPending
	ErrImageNotFound = imagecache.ErrNotFound
)
