// Package source provides Feed Source implementations. RSSSource reads the
// public RSS feed that Bluesky serves for every profile.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/sethcottle/hangar/internal/feedsync"
	"github.com/sethcottle/hangar/internal/storage"
)

// RSSSource is a feedsync.Source over an RSS or Atom feed. Feeds carry no
// pagination, so any cursor yields an empty page. Requests are conditional:
// a 304 returns the previously parsed page.
type RSSSource struct {
	url       string
	userAgent string
	client    *http.Client
	parser    *gofeed.Parser
	policy    *bluemonday.Policy
	now       func() time.Time

	mu           sync.Mutex
	etag         string
	lastModified string
	last         feedsync.Page
}

// NewRSSSource creates a source for feedURL.
func NewRSSSource(feedURL string, timeout time.Duration, userAgent string) *RSSSource {
	if userAgent == "" {
		userAgent = "hangar/1.0"
	}
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	return &RSSSource{
		url:       feedURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		parser:    parser,
		policy:    bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

// ProfileFeedURL returns the RSS feed of a Bluesky profile.
func ProfileFeedURL(actor string) string {
	return "https://bsky.app/profile/" + url.PathEscape(actor) + "/rss"
}

// Fetch implements feedsync.Source.
func (s *RSSSource) Fetch(ctx context.Context, cursor *string) (feedsync.Page, error) {
	if cursor != nil {
		return feedsync.Page{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return feedsync.Page{}, fmt.Errorf("failed to create request for %s: %w", s.url, err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	s.mu.Lock()
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	if s.lastModified != "" {
		req.Header.Set("If-Modified-Since", s.lastModified)
	}
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return feedsync.Page{}, fmt.Errorf("failed to fetch feed %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.last, nil
	}
	if resp.StatusCode != http.StatusOK {
		return feedsync.Page{}, fmt.Errorf("feed %s returned status %d", s.url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return feedsync.Page{}, fmt.Errorf("failed to read feed %s: %w", s.url, err)
	}
	parsed, err := s.parser.ParseString(string(body))
	if err != nil {
		return feedsync.Page{}, fmt.Errorf("failed to parse feed %s: %w", s.url, err)
	}

	page := feedsync.Page{Posts: s.toPosts(parsed)}

	s.mu.Lock()
	s.etag = resp.Header.Get("ETag")
	s.lastModified = resp.Header.Get("Last-Modified")
	s.last = page
	s.mu.Unlock()
	return page, nil
}

func (s *RSSSource) toPosts(feed *gofeed.Feed) []storage.Post {
	handle, displayName := feedOwner(feed)
	var avatar *string
	if feed.Image != nil && feed.Image.URL != "" {
		avatar = &feed.Image.URL
	}

	posts := make([]storage.Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		uri := itemURI(item)
		if uri == "" {
			continue
		}

		at := s.now().UTC()
		if item.PublishedParsed != nil {
			at = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			at = item.UpdatedParsed.UTC()
		}

		author := storage.Author{DID: uriAuthority(uri), Handle: handle, DisplayName: displayName, Avatar: avatar}
		if author.DID == "" {
			author.DID = feed.Link
		}
		if item.Author != nil && item.Author.Name != "" && handle == "" {
			author.Handle = item.Author.Name
		}

		content := item.Description
		if content == "" {
			content = item.Content
		}
		text := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(content)))

		posts = append(posts, storage.Post{
			URI:       uri,
			CID:       pseudoCID(uri, text),
			Author:    author,
			Text:      text,
			CreatedAt: at,
			IndexedAt: at,
			Embed:     itemEmbed(item),
		})
	}

	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].SortTimestamp().After(posts[j].SortTimestamp())
	})
	return posts
}

// itemURI prefers an at:// GUID, then an at:// URI rebuilt from a bsky.app
// post link, then whatever identifier the item has.
func itemURI(item *gofeed.Item) string {
	if strings.HasPrefix(item.GUID, "at://") {
		return item.GUID
	}
	if u, err := url.Parse(item.Link); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 4 && parts[0] == "profile" && parts[2] == "post" {
			return "at://" + parts[1] + "/app.bsky.feed.post/" + parts[3]
		}
	}
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func uriAuthority(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	did, _, _ := strings.Cut(rest, "/")
	return did
}

// feedOwner reads the handle and display name from a profile feed, whose
// title looks like "@alice.bsky.social - Alice".
func feedOwner(feed *gofeed.Feed) (string, *string) {
	var handle string
	var displayName *string

	title := strings.TrimSpace(feed.Title)
	if h, name, ok := strings.Cut(title, " - "); ok {
		handle = strings.TrimPrefix(strings.TrimSpace(h), "@")
		if name = strings.TrimSpace(name); name != "" {
			displayName = &name
		}
	} else if strings.HasPrefix(title, "@") {
		handle = strings.TrimPrefix(title, "@")
	}

	if handle == "" {
		if u, err := url.Parse(feed.Link); err == nil {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 && parts[0] == "profile" {
				handle = parts[1]
			}
		}
	}
	if handle == "" && displayName == nil && title != "" {
		displayName = &title
	}
	return handle, displayName
}

func itemEmbed(item *gofeed.Item) *storage.Embed {
	var images []storage.ImageEmbed
	if item.Image != nil && item.Image.URL != "" {
		images = append(images, storage.ImageEmbed{Thumb: item.Image.URL, Fullsize: item.Image.URL, Alt: item.Image.Title})
	}
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") && enc.URL != "" && (item.Image == nil || enc.URL != item.Image.URL) {
			images = append(images, storage.ImageEmbed{Thumb: enc.URL, Fullsize: enc.URL})
		}
	}
	if len(images) == 0 {
		return nil
	}
	return &storage.Embed{Kind: storage.EmbedImages, Images: images}
}

// pseudoCID stands in for a content hash on items that have none.
func pseudoCID(uri, text string) string {
	sum := sha256.Sum256([]byte(uri + "\x00" + text))
	return "rss-" + hex.EncodeToString(sum[:16])
}

// RSSProfiles is a feedsync.ProfileSource that reads what a profile's RSS
// feed says about its owner. Counts and viewer state are not published there
// and stay unknown.
type RSSProfiles struct {
	userAgent string
	client    *http.Client
	parser    *gofeed.Parser
	policy    *bluemonday.Policy
	feedURL   func(actor string) string
}

// NewRSSProfiles creates a profile source.
func NewRSSProfiles(timeout time.Duration, userAgent string) *RSSProfiles {
	if userAgent == "" {
		userAgent = "hangar/1.0"
	}
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	return &RSSProfiles{
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		parser:    parser,
		policy:    bluemonday.StrictPolicy(),
		feedURL:   ProfileFeedURL,
	}
}

// FetchProfile implements feedsync.ProfileSource.
func (p *RSSProfiles) FetchProfile(ctx context.Context, did string) (storage.Profile, error) {
	feedURL := p.feedURL(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return storage.Profile{}, fmt.Errorf("failed to create request for %s: %w", feedURL, err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return storage.Profile{}, fmt.Errorf("failed to fetch profile feed %s: %w", feedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return storage.Profile{}, fmt.Errorf("profile feed %s returned status %d", feedURL, resp.StatusCode)
	}

	parsed, err := p.parser.Parse(resp.Body)
	if err != nil {
		return storage.Profile{}, fmt.Errorf("failed to parse profile feed %s: %w", feedURL, err)
	}
	return p.toProfile(did, parsed), nil
}

func (p *RSSProfiles) toProfile(did string, feed *gofeed.Feed) storage.Profile {
	handle, displayName := feedOwner(feed)
	if handle == "" {
		handle = did
	}
	prof := storage.Profile{DID: did, Handle: handle, DisplayName: displayName}
	if feed.Image != nil && feed.Image.URL != "" {
		avatar := feed.Image.URL
		prof.Avatar = &avatar
	}
	if desc := strings.TrimSpace(html.UnescapeString(p.policy.Sanitize(feed.Description))); desc != "" {
		prof.Description = &desc
	}
	return prof
}
