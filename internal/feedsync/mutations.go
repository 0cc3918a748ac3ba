package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sethcottle/hangar/internal/storage"
)

// PendingRef stands in for a like or repost record URI while the network
// call that creates it is in flight.
const PendingRef = "pending"

// Mutator applies viewer interactions optimistically and reconciles them
// with the server's answer.
type Mutator struct {
	posts      *storage.PostCache
	interactor Interactor
}

// NewMutator creates a Mutator that persists confirmed state into store.
func NewMutator(store *storage.Store, interactor Interactor) *Mutator {
	return &Mutator{posts: store.Posts(), interactor: interactor}
}

// ToggleLike likes post, or unlikes it when the viewer already does. apply,
// if non-nil, is called first with the optimistic post and again with the
// final one. On failure the final post is the original, nothing is
// persisted, and the error wraps ErrInteraction. A post whose like is still
// PendingRef is returned unchanged with ErrPending, without calling apply or
// the network.
func (m *Mutator) ToggleLike(ctx context.Context, post storage.Post, apply func(storage.Post)) (storage.Post, error) {
	if isPending(post.ViewerLike) {
		return post, fmt.Errorf("%w: like %s", ErrPending, post.URI)
	}
	liked := post.ViewerLike != nil

	optimistic := post
	if liked {
		optimistic.ViewerLike = nil
		optimistic.LikeCount = bump(post.LikeCount, -1)
	} else {
		optimistic.ViewerLike = ptr(PendingRef)
		optimistic.LikeCount = bump(post.LikeCount, 1)
	}
	notify(apply, optimistic)

	var ref *string
	var err error
	if liked {
		err = m.interactor.Unlike(ctx, *post.ViewerLike)
	} else {
		var uri string
		if uri, err = m.interactor.Like(ctx, post.URI, post.CID); err == nil {
			ref = &uri
		}
	}
	if err != nil {
		notify(apply, post)
		return post, fmt.Errorf("%w: like %s: %w", ErrInteraction, post.URI, err)
	}

	confirmed := optimistic
	confirmed.ViewerLike = ref
	m.persist(confirmed)
	notify(apply, confirmed)
	return confirmed, nil
}

// ToggleRepost reposts post, or removes the viewer's repost. It follows the
// same optimistic protocol as ToggleLike.
func (m *Mutator) ToggleRepost(ctx context.Context, post storage.Post, apply func(storage.Post)) (storage.Post, error) {
	if isPending(post.ViewerRepost) {
		return post, fmt.Errorf("%w: repost %s", ErrPending, post.URI)
	}
	reposted := post.ViewerRepost != nil

	optimistic := post
	if reposted {
		optimistic.ViewerRepost = nil
		optimistic.RepostCount = bump(post.RepostCount, -1)
	} else {
		optimistic.ViewerRepost = ptr(PendingRef)
		optimistic.RepostCount = bump(post.RepostCount, 1)
	}
	notify(apply, optimistic)

	var ref *string
	var err error
	if reposted {
		err = m.interactor.DeleteRepost(ctx, *post.ViewerRepost)
	} else {
		var uri string
		if uri, err = m.interactor.Repost(ctx, post.URI, post.CID); err == nil {
			ref = &uri
		}
	}
	if err != nil {
		notify(apply, post)
		return post, fmt.Errorf("%w: repost %s: %w", ErrInteraction, post.URI, err)
	}

	confirmed := optimistic
	confirmed.ViewerRepost = ref
	m.persist(confirmed)
	notify(apply, confirmed)
	return confirmed, nil
}

func (m *Mutator) persist(p storage.Post) {
	err := m.posts.UpdateViewerState(p.URI, p.ViewerLike, p.ViewerRepost)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("feedsync: viewer state %s: %v", p.URI, err)
	}
}

func notify(apply func(storage.Post), p storage.Post) {
	if apply != nil {
		apply(p)
	}
}

// bump adjusts a known counter, never below zero. Unknown stays unknown.
func bump(n *int64, delta int64) *int64 {
	if n == nil {
		return nil
	}
	v := max(*n+delta, 0)
	return &v
}

func ptr[T any](v T) *T { return &v }

// ProfileLoader serves full profiles from the cache while they are fresh.
type ProfileLoader struct {
	profiles *storage.ProfileCache
	src      ProfileSource
	maxAge   time.Duration
}

// DefaultProfileMaxAge is how long a fetched profile is served from cache.
const DefaultProfileMaxAge = 10 * time.Minute

// NewProfileLoader creates a ProfileLoader.
func NewProfileLoader(store *storage.Store, src ProfileSource, maxAge time.Duration) *ProfileLoader {
	if maxAge <= 0 {
		maxAge = DefaultProfileMaxAge
	}
	return &ProfileLoader{profiles: store.Profiles(), src: src, maxAge: maxAge}
}

// Load returns the full profile for did, fetching it when the cached copy is
// missing, minimal or stale. If the fetch fails and any cached copy exists,
// that copy is returned along with the error.
func (l *ProfileLoader) Load(ctx context.Context, did string) (*storage.Profile, error) {
	fresh, err := l.profiles.HasFreshFull(did, l.maxAge)
	if err != nil {
		log.Printf("feedsync: profile freshness %s: %v", did, err)
	}
	if fresh {
		if p, err := l.profiles.Get(did); err == nil {
			return p, nil
		}
	}

	p, err := l.src.FetchProfile(ctx, did)
	if err != nil {
		cached, _ := l.profiles.Get(did)
		return cached, fmt.Errorf("%w: profile %s: %w", ErrFetch, did, err)
	}
	p.IsFull = true
	if err := l.profiles.StoreFull(p); err != nil {
		log.Printf("feedsync: store profile %s: %v", did, err)
		return &p, nil
	}
	if stored, err := l.profiles.Get(did); err == nil {
		return stored, nil
	}
	return &p, nil
}

func isPending(ref *string) bool {
	return ref != nil && *ref == PendingRef
}
