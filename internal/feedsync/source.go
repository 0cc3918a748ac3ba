// Package feedsync keeps a cached feed in step with its network source:
// cache-first display, full refresh, cursor pagination, anchor-based
// new-post polling and optimistic like/repost toggles.
package feedsync

import (
	"context"
	"errors"

	"github.com/sethcottle/hangar/internal/storage"
)

var (
	// ErrFetch wraps a Feed Source failure during refresh, load or poll.
	ErrFetch = errors.New("feed fetch failed")

	// ErrFeedChanged is returned when a fetch completes after the active
	// feed or its cursor moved on; the result was discarded.
	ErrFeedChanged = errors.New("feed changed while request was in flight")

	// ErrNoFeed is returned when no feed is active.
	ErrNoFeed = errors.New("no active feed")

	// ErrInteraction wraps a failed like, unlike, repost or un-repost call.
	ErrInteraction = errors.New("interaction failed")

	// ErrPending rejects a toggle on a like or repost that is still being
	// created.
	ErrPending = errors.New("interaction still pending")
)

// Page is one response from a Feed Source, newest post first.
type Page struct {
	Posts  []storage.Post
	Cursor *string // fetches the next older page; nil when exhausted
}

// Source returns a page of a feed. A nil cursor asks for the newest page.
type Source interface {
	Fetch(ctx context.Context, cursor *string) (Page, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, cursor *string) (Page, error)

func (f SourceFunc) Fetch(ctx context.Context, cursor *string) (Page, error) {
	return f(ctx, cursor)
}

// Interactor performs the network side of viewer interactions. Like and
// Repost return the URI of the record they created.
type Interactor interface {
	Like(ctx context.Context, uri, cid string) (string, error)
	Unlike(ctx context.Context, likeURI string) error
	Repost(ctx context.Context, uri, cid string) (string, error)
	DeleteRepost(ctx context.Context, repostURI string) error
}

// ProfileSource fetches a full profile.
type ProfileSource interface {
	FetchProfile(ctx context.Context, did string) (storage.Profile, error)
}
