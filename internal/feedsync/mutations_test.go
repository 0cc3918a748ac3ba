package feedsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethcottle/hangar/internal/storage"
)

type fakeInteractor struct {
	err   error
	calls []string
}

func (f *fakeInteractor) Like(ctx context.Context, uri, cid string) (string, error) {
	f.calls = append(f.calls, "like "+uri)
	return "at://did:plc:me/app.bsky.feed.like/1", f.err
}

func (f *fakeInteractor) Unlike(ctx context.Context, likeURI string) error {
	f.calls = append(f.calls, "unlike "+likeURI)
	return f.err
}

func (f *fakeInteractor) Repost(ctx context.Context, uri, cid string) (string, error) {
	f.calls = append(f.calls, "repost "+uri)
	return "at://did:plc:me/app.bsky.feed.repost/1", f.err
}

func (f *fakeInteractor) DeleteRepost(ctx context.Context, repostURI string) error {
	f.calls = append(f.calls, "unrepost "+repostURI)
	return f.err
}

func newTestMutator(t *testing.T, in Interactor) (*Mutator, *storage.Store, storage.Post) {
	t.Helper()
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	post := makePosts("m", 1, baseTime)[0]
	post.LikeCount = intPtr(4)
	post.RepostCount = intPtr(2)
	if err := store.Posts().Store(post); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	return NewMutator(store, in), store, post
}

func TestToggleLike(t *testing.T) {
	in := &fakeInteractor{}
	m, store, post := newTestMutator(t, in)

	var seen []storage.Post
	liked, err := m.ToggleLike(context.Background(), post, func(p storage.Post) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("ToggleLike failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("apply called %d times, want 2", len(seen))
	}
	if *seen[0].ViewerLike != PendingRef || *seen[0].LikeCount != 5 {
		t.Errorf("optimistic state like=%v count=%d", *seen[0].ViewerLike, *seen[0].LikeCount)
	}
	want := "at://did:plc:me/app.bsky.feed.like/1"
	if liked.ViewerLike == nil || *liked.ViewerLike != want || *liked.LikeCount != 5 {
		t.Errorf("confirmed like = %v count %d", liked.ViewerLike, *liked.LikeCount)
	}

	cached, _ := store.Posts().Get(post.URI)
	if cached.ViewerLike == nil || *cached.ViewerLike != want {
		t.Errorf("cached viewer like = %v", cached.ViewerLike)
	}

	// Toggle again: unlike with the stored reference.
	unliked, err := m.ToggleLike(context.Background(), liked, nil)
	if err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if unliked.ViewerLike != nil || *unliked.LikeCount != 4 {
		t.Errorf("after unlike like=%v count=%d", unliked.ViewerLike, *unliked.LikeCount)
	}
	if in.calls[1] != "unlike "+want {
		t.Errorf("calls = %v", in.calls)
	}
	cached, _ = store.Posts().Get(post.URI)
	if cached.ViewerLike != nil {
		t.Errorf("cached viewer like after unlike = %v", *cached.ViewerLike)
	}
}

func TestToggleLikeFailureRollsBack(t *testing.T) {
	in := &fakeInteractor{err: errors.New("rate limited")}
	m, store, post := newTestMutator(t, in)

	var seen []storage.Post
	got, err := m.ToggleLike(context.Background(), post, func(p storage.Post) { seen = append(seen, p) })
	if !errors.Is(err, ErrInteraction) {
		t.Fatalf("ToggleLike error = %v, want ErrInteraction", err)
	}
	if got.ViewerLike != nil || *got.LikeCount != 4 {
		t.Errorf("returned post not rolled back: like=%v count=%d", got.ViewerLike, *got.LikeCount)
	}
	if len(seen) != 2 || seen[1].ViewerLike != nil || *seen[1].LikeCount != 4 {
		t.Errorf("apply did not receive the rollback: %d calls", len(seen))
	}

	cached, _ := store.Posts().Get(post.URI)
	if cached.ViewerLike != nil {
		t.Error("failed like was persisted")
	}
}

func TestToggleRejectsPendingRef(t *testing.T) {
	in := &fakeInteractor{}
	m, store, post := newTestMutator(t, in)

	post.ViewerLike = strPtr(PendingRef)
	post.ViewerRepost = strPtr(PendingRef)
	called := false
	apply := func(storage.Post) { called = true }

	got, err := m.ToggleLike(context.Background(), post, apply)
	if !errors.Is(err, ErrPending) {
		t.Errorf("ToggleLike error = %v, want ErrPending", err)
	}
	if *got.ViewerLike != PendingRef || *got.LikeCount != 4 {
		t.Errorf("ToggleLike changed a pending post: like=%v count=%d", got.ViewerLike, *got.LikeCount)
	}
	if _, err := m.ToggleRepost(context.Background(), post, apply); !errors.Is(err, ErrPending) {
		t.Errorf("ToggleRepost error = %v, want ErrPending", err)
	}
	if len(in.calls) != 0 {
		t.Errorf("interactor called: %v", in.calls)
	}
	if called {
		t.Error("apply called for a pending toggle")
	}
	stored, _ := store.Posts().Get(post.URI)
	if stored.ViewerLike != nil || stored.ViewerRepost != nil {
		t.Errorf("stored viewer state = %v/%v, want none", stored.ViewerLike, stored.ViewerRepost)
	}
}

func TestToggleRepost(t *testing.T) {
	in := &fakeInteractor{}
	m, store, post := newTestMutator(t, in)

	reposted, err := m.ToggleRepost(context.Background(), post, nil)
	if err != nil {
		t.Fatalf("ToggleRepost failed: %v", err)
	}
	if reposted.ViewerRepost == nil || *reposted.RepostCount != 3 {
		t.Errorf("repost = %v count %d", reposted.ViewerRepost, *reposted.RepostCount)
	}
	cached, _ := store.Posts().Get(post.URI)
	if cached.ViewerRepost == nil || *cached.ViewerRepost != *reposted.ViewerRepost {
		t.Errorf("cached repost = %v", cached.ViewerRepost)
	}

	in.err = errors.New("offline")
	got, err := m.ToggleRepost(context.Background(), reposted, nil)
	if !errors.Is(err, ErrInteraction) {
		t.Fatalf("un-repost error = %v, want ErrInteraction", err)
	}
	if got.ViewerRepost == nil || *got.RepostCount != 3 {
		t.Error("failed un-repost not rolled back")
	}
}

func TestToggleUnknownCountStaysUnknown(t *testing.T) {
	m, _, post := newTestMutator(t, &fakeInteractor{})
	post.LikeCount = nil

	liked, err := m.ToggleLike(context.Background(), post, nil)
	if err != nil {
		t.Fatalf("ToggleLike failed: %v", err)
	}
	if liked.LikeCount != nil {
		t.Errorf("LikeCount = %d, want unknown", *liked.LikeCount)
	}
}

type fakeProfiles struct {
	calls int
	err   error
}

func (f *fakeProfiles) FetchProfile(ctx context.Context, did string) (storage.Profile, error) {
	f.calls++
	if f.err != nil {
		return storage.Profile{}, f.err
	}
	return storage.Profile{DID: did, Handle: "alice.test", Description: strPtr("bio"), FollowersCount: intPtr(7)}, nil
}

func TestProfileLoaderUsesFreshCache(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()
	now := baseTime
	store.SetClock(func() time.Time { return now })

	// A minimal sighting does not count as cached.
	store.Profiles().StoreMinimal(storage.Author{DID: "did:plc:alice", Handle: "alice.test"})

	src := &fakeProfiles{}
	l := NewProfileLoader(store, src, time.Hour)

	for range 2 {
		p, err := l.Load(context.Background(), "did:plc:alice")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !p.IsFull || *p.FollowersCount != 7 {
			t.Errorf("Load = %+v", p)
		}
	}
	if src.calls != 1 {
		t.Errorf("profile fetched %d times, want 1", src.calls)
	}

	now = now.Add(2 * time.Hour)
	src.err = errors.New("timeout")
	p, err := l.Load(context.Background(), "did:plc:alice")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("Load error = %v, want ErrFetch", err)
	}
	if p == nil || *p.Description != "bio" {
		t.Error("stale cached profile not returned on fetch failure")
	}
	if src.calls != 2 {
		t.Errorf("profile fetched %d times, want 2", src.calls)
	}
}
