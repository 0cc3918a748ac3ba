package feedsync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethcottle/hangar/internal/metrics"
	"github.com/sethcottle/hangar/internal/storage"
)

const (
	DefaultPageSize     = 50
	DefaultPollInterval = 30 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	PageSize     int
	PollInterval time.Duration
	Now          func() time.Time
}

// Snapshot is what the cache knows about a feed before any network call.
type Snapshot struct {
	FeedKey string
	Posts   []storage.Post
	State   storage.FeedState
}

// Result is the outcome of a refresh or load-more.
type Result struct {
	FeedKey string
	Posts   []storage.Post
	Cursor  *string
	HasMore bool
	// Skipped is set when the call was a no-op: a load already in flight or
	// nothing left to load.
	Skipped bool
}

// NewPosts is the outcome of one poll for new content.
type NewPosts struct {
	FeedKey string
	Posts   []storage.Post // newest first, to be shown above the current view
	// Capped is set when the anchor was not in the polled page, so more new
	// posts may exist than were returned.
	Capped  bool
	Skipped bool
}

// session is the coordinator's view of the active feed. cursor and anchor
// are guarded by Coordinator.mu.
type session struct {
	key    string
	src    Source
	cursor *string
	anchor *string

	loadingMore atomic.Bool
	polling     atomic.Bool

	stopPoll context.CancelFunc
	pollDone chan struct{}
}

// Coordinator drives one active feed at a time against the cache.
type Coordinator struct {
	feeds *storage.FeedCache
	posts *storage.PostCache
	opts  Options

	mu     sync.Mutex
	active *session
}

// New creates a Coordinator over store.
func New(store *storage.Store, opts Options) *Coordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		feeds: store.Feeds(),
		posts: store.Posts(),
		opts:  opts,
	}
}

// Switch makes key the active feed, stopping any polling of the previous
// one, and returns whatever the cache holds for it. Cache errors are logged
// and yield an empty snapshot; the caller should always follow up with
// Refresh.
func (c *Coordinator) Switch(key string, src Source) Snapshot {
	c.Stop()

	snap := Snapshot{FeedKey: key}
	posts, err := c.feeds.GetPage(key, 0, c.opts.PageSize)
	if err != nil {
		log.Printf("feedsync: cached page %s: %v", key, err)
	} else {
		snap.Posts = posts
	}
	st, err := c.feeds.GetState(key)
	if err != nil {
		log.Printf("feedsync: cached state %s: %v", key, err)
	} else {
		snap.State = st
	}

	sess := &session{key: key, src: src, cursor: snap.State.Cursor, anchor: snap.State.AnchorURI}
	c.mu.Lock()
	c.active = sess
	c.mu.Unlock()
	return snap
}

// Open switches to key, hands any cached posts to show, then refreshes from
// the network. show is skipped when the cache is empty.
func (c *Coordinator) Open(ctx context.Context, key string, src Source, show func(Snapshot)) (Result, error) {
	snap := c.Switch(key, src)
	if len(snap.Posts) > 0 && show != nil {
		show(snap)
	}
	return c.Refresh(ctx)
}

// Active returns the active feed key, or "" when none is active.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.key
}

func (c *Coordinator) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNoFeed
	}
	return c.active, nil
}

// Refresh fetches the newest page and replaces the cached feed with it. The
// anchor moves to the newest post.
func (c *Coordinator) Refresh(ctx context.Context) (Result, error) {
	sess, err := c.current()
	if err != nil {
		return Result{}, err
	}

	page, err := c.fetch(ctx, sess, "refresh", nil)
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sess {
		return Result{}, ErrFeedChanged
	}

	now := c.opts.Now()
	st := storage.FeedState{Cursor: page.Cursor, HasMore: true, LastRefreshAt: &now}
	if len(page.Posts) > 0 {
		first := page.Posts[0]
		ts := first.SortTimestamp()
		st.AnchorURI = &first.URI
		st.AnchorSortTimestamp = &ts
	}

	// A failed replace keeps the previous cached feed and state intact.
	c.write("replace page", func() error { return c.feeds.ReplacePage(sess.key, page.Posts, st) })

	sess.cursor = page.Cursor
	sess.anchor = st.AnchorURI

	return Result{FeedKey: sess.key, Posts: page.Posts, Cursor: page.Cursor, HasMore: true}, nil
}

// LoadMore fetches the page after the current cursor and appends it to the
// cached feed. A call made while another is in flight, or with no cursor,
// returns a Skipped result without touching the network. The anchor never
// moves.
func (c *Coordinator) LoadMore(ctx context.Context) (Result, error) {
	sess, err := c.current()
	if err != nil {
		return Result{}, err
	}
	if !sess.loadingMore.CompareAndSwap(false, true) {
		return Result{FeedKey: sess.key, Skipped: true}, nil
	}
	defer sess.loadingMore.Store(false)

	c.mu.Lock()
	cursor := sess.cursor
	c.mu.Unlock()
	if cursor == nil {
		return Result{FeedKey: sess.key, Skipped: true}, nil
	}

	page, err := c.fetch(ctx, sess, "more", cursor)
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sess || !sameRef(sess.cursor, cursor) {
		return Result{}, ErrFeedChanged
	}

	hasMore := page.Cursor != nil
	c.write("store page", func() error {
		start, err := c.feeds.AppendPosition(sess.key)
		if err != nil {
			return err
		}
		return c.feeds.StorePage(sess.key, page.Posts, start)
	})
	c.write("update cursor", func() error { return c.feeds.UpdateCursor(sess.key, page.Cursor, hasMore) })
	sess.cursor = page.Cursor

	return Result{FeedKey: sess.key, Posts: page.Posts, Cursor: page.Cursor, HasMore: hasMore}, nil
}

// Poll fetches the newest page and returns the posts above the anchor. New
// posts are cached above the current first position and the anchor advances
// to the newest of them; nothing below the anchor is reordered.
func (c *Coordinator) Poll(ctx context.Context) (NewPosts, error) {
	sess, err := c.current()
	if err != nil {
		return NewPosts{}, err
	}
	return c.poll(ctx, sess)
}

func (c *Coordinator) poll(ctx context.Context, sess *session) (NewPosts, error) {
	if !sess.polling.CompareAndSwap(false, true) {
		return NewPosts{FeedKey: sess.key, Skipped: true}, nil
	}
	defer sess.polling.Store(false)

	c.mu.Lock()
	anchor := sess.anchor
	c.mu.Unlock()
	if anchor == nil {
		return NewPosts{FeedKey: sess.key, Skipped: true}, nil
	}

	page, err := c.fetch(ctx, sess, "poll", nil)
	if err != nil {
		return NewPosts{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sess || !sameRef(sess.anchor, anchor) {
		return NewPosts{}, ErrFeedChanged
	}

	fresh, found := aboveAnchor(page.Posts, *anchor)
	res := NewPosts{FeedKey: sess.key, Posts: fresh, Capped: !found && len(fresh) > 0}

	if len(fresh) > 0 {
		c.write("store new posts", func() error {
			first, err := c.feeds.FirstPosition(sess.key)
			if err != nil {
				return err
			}
			return c.feeds.StorePage(sess.key, fresh, first-len(fresh))
		})
		newest := fresh[0]
		c.write("set anchor", func() error {
			return c.feeds.SetAnchor(sess.key, newest.URI, newest.SortTimestamp())
		})
		sess.anchor = &newest.URI
		metrics.NewPostsDetected(len(fresh))
	}

	// Posts at and below the anchor only get their counts and viewer state
	// refreshed.
	if rest := page.Posts[len(fresh):]; len(rest) > 0 {
		c.write("refresh posts", func() error { return c.posts.StoreBatch(rest) })
	}
	return res, nil
}

// aboveAnchor returns the prefix of posts that precedes anchor and whether
// anchor was found at all.
func aboveAnchor(posts []storage.Post, anchor string) ([]storage.Post, bool) {
	for i, p := range posts {
		if p.URI == anchor {
			return posts[:i], true
		}
	}
	return posts, false
}

func (c *Coordinator) fetch(ctx context.Context, sess *session, kind string, cursor *string) (Page, error) {
	start := time.Now()
	page, err := sess.src.Fetch(ctx, cursor)
	metrics.FeedFetch(kind, time.Since(start), err)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %s %s: %w", ErrFetch, kind, sess.key, err)
	}
	return page, nil
}

// write runs a cache write whose failure must not fail the caller.
func (c *Coordinator) write(op string, fn func() error) {
	if err := fn(); err != nil {
		metrics.CacheWriteError(op)
		log.Printf("feedsync: %s: %v", op, err)
	}
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
