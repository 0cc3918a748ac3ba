package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethcottle/hangar/internal/storage"
)

const profileRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>@alice.bsky.social - Alice</title>
    <link>https://bsky.app/profile/did:plc:alice</link>
    <description>Alice's posts</description>
    <item>
      <link>https://bsky.app/profile/did:plc:alice/post/3kold</link>
      <description>older &lt;b&gt;post&lt;/b&gt; &amp;amp; friends</description>
      <pubDate>Sat, 01 Mar 2025 10:00:00 +0000</pubDate>
      <guid isPermaLink="false">at://did:plc:alice/app.bsky.feed.post/3kold</guid>
    </item>
    <item>
      <link>https://bsky.app/profile/did:plc:alice/post/3knew</link>
      <description>newest post</description>
      <pubDate>Sat, 01 Mar 2025 12:00:00 +0000</pubDate>
      <enclosure url="https://cdn.example/pic.jpg" type="image/jpeg" length="1"/>
    </item>
  </channel>
</rss>`

func TestRSSSourceFetch(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, profileRSS)
	}))
	defer srv.Close()

	src := NewRSSSource(srv.URL, 5*time.Second, "hangar-test")
	page, err := src.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if page.Cursor != nil {
		t.Errorf("Cursor = %v, want nil", *page.Cursor)
	}
	if len(page.Posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(page.Posts))
	}

	newest, older := page.Posts[0], page.Posts[1]
	if newest.URI != "at://did:plc:alice/app.bsky.feed.post/3knew" {
		t.Errorf("newest URI = %s", newest.URI)
	}
	if older.URI != "at://did:plc:alice/app.bsky.feed.post/3kold" {
		t.Errorf("older URI = %s", older.URI)
	}
	if older.Text != "older post & friends" {
		t.Errorf("Text = %q", older.Text)
	}
	if newest.Author.DID != "did:plc:alice" || newest.Author.Handle != "alice.bsky.social" {
		t.Errorf("Author = %+v", newest.Author)
	}
	if newest.Author.DisplayName == nil || *newest.Author.DisplayName != "Alice" {
		t.Errorf("DisplayName = %v", newest.Author.DisplayName)
	}
	if newest.Embed == nil || newest.Embed.Kind != storage.EmbedImages || newest.Embed.Images[0].Fullsize != "https://cdn.example/pic.jpg" {
		t.Errorf("Embed = %+v", newest.Embed)
	}
	if err := newest.Embed.Validate(); err != nil {
		t.Errorf("embed invalid: %v", err)
	}
	if newest.LikeCount != nil {
		t.Error("RSS post should have unknown counts")
	}
	if newest.CID == "" || newest.CID == older.CID {
		t.Errorf("CIDs %q %q", newest.CID, older.CID)
	}

	// Conditional refetch returns the same page.
	again, err := src.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if requests.Load() != 2 || len(again.Posts) != 2 || again.Posts[0].URI != newest.URI {
		t.Errorf("304 handling: requests=%d posts=%d", requests.Load(), len(again.Posts))
	}

	// RSS has no older pages.
	c := "anything"
	more, err := src.Fetch(context.Background(), &c)
	if err != nil || len(more.Posts) != 0 || more.Cursor != nil {
		t.Errorf("Fetch with cursor = %+v, %v", more, err)
	}
	if requests.Load() != 2 {
		t.Error("cursor fetch hit the network")
	}
}

func TestRSSSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewRSSSource(srv.URL, time.Second, "")
	if _, err := src.Fetch(context.Background(), nil); err == nil {
		t.Error("expected error for 502")
	}
}

func TestProfileFeedURL(t *testing.T) {
	if got := ProfileFeedURL("alice.bsky.social"); got != "https://bsky.app/profile/alice.bsky.social/rss" {
		t.Errorf("ProfileFeedURL = %s", got)
	}
}

func TestRSSProfilesFetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/profile/did:plc:alice/rss" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, profileRSS)
	}))
	defer srv.Close()

	p := NewRSSProfiles(5*time.Second, "hangar-test")
	p.feedURL = func(actor string) string { return srv.URL + "/profile/" + actor + "/rss" }

	prof, err := p.FetchProfile(context.Background(), "did:plc:alice")
	if err != nil {
		t.Fatalf("FetchProfile failed: %v", err)
	}
	if prof.DID != "did:plc:alice" || prof.Handle != "alice.bsky.social" {
		t.Errorf("profile = %+v", prof)
	}
	if prof.DisplayName == nil || *prof.DisplayName != "Alice" {
		t.Errorf("DisplayName = %v", prof.DisplayName)
	}
	if prof.Description == nil || *prof.Description != "Alice's posts" {
		t.Errorf("Description = %v", prof.Description)
	}
	if prof.FollowersCount != nil {
		t.Error("followers should be unknown")
	}

	if _, err := p.FetchProfile(context.Background(), "did:plc:nobody"); err == nil {
		t.Error("expected error for 404")
	}
}
