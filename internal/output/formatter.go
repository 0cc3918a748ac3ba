package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sethcottle/hangar/internal/feedsync"
	"github.com/sethcottle/hangar/internal/imagecache"
	"github.com/sethcottle/hangar/internal/storage"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
	now    func() time.Time
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
		now:    time.Now,
	}
}

// PostView is the JSON shape of a post.
type PostView struct {
	URI          string                `json:"uri"`
	CID          string                `json:"cid"`
	Author       storage.Author        `json:"author"`
	Text         string                `json:"text"`
	CreatedAt    time.Time             `json:"created_at"`
	IndexedAt    time.Time             `json:"indexed_at"`
	ReplyCount   *int64                `json:"reply_count,omitempty"`
	RepostCount  *int64                `json:"repost_count,omitempty"`
	LikeCount    *int64                `json:"like_count,omitempty"`
	Embed        *storage.Embed        `json:"embed,omitempty"`
	ViewerLike   *string               `json:"viewer_like,omitempty"`
	ViewerRepost *string               `json:"viewer_repost,omitempty"`
	RepostReason *storage.RepostReason `json:"repost_reason,omitempty"`
	ReplyContext *storage.ReplyContext `json:"reply_context,omitempty"`
}

func postViews(posts []storage.Post) []PostView {
	views := make([]PostView, len(posts))
	for i, p := range posts {
		views[i] = PostView{
			URI: p.URI, CID: p.CID, Author: p.Author, Text: p.Text,
			CreatedAt: p.CreatedAt, IndexedAt: p.IndexedAt,
			ReplyCount: p.ReplyCount, RepostCount: p.RepostCount, LikeCount: p.LikeCount,
			Embed: p.Embed, ViewerLike: p.ViewerLike, ViewerRepost: p.ViewerRepost,
			RepostReason: p.RepostReason, ReplyContext: p.ReplyContext,
		}
	}
	return views
}

// SyncResult is a refresh or load-more outcome as printed.
type SyncResult struct {
	FeedKey string     `json:"feed_key"`
	Action  string     `json:"action"`
	Posts   []PostView `json:"posts"`
	Cursor  *string    `json:"cursor,omitempty"`
	HasMore bool       `json:"has_more"`
	Skipped bool       `json:"skipped,omitempty"`
}

// OutputPosts outputs a cached page of a feed
func (f *Formatter) OutputPosts(feedKey string, posts []storage.Post) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(struct {
			FeedKey string     `json:"feed_key"`
			Posts   []PostView `json:"posts"`
		}{feedKey, postViews(posts)})
	case FormatText:
		f.writePostLines(posts)
		return nil
	case FormatHuman:
		if len(posts) == 0 {
			fmt.Fprintf(f.out, "No cached posts for %s\n", feedKey)
			return nil
		}
		fmt.Fprintf(f.out, "%s (%d posts):\n\n", feedKey, len(posts))
		f.writePostBlocks(posts)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputSyncResult outputs the result of a refresh or load-more
func (f *Formatter) OutputSyncResult(action string, result feedsync.Result) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(SyncResult{
			FeedKey: result.FeedKey,
			Action:  action,
			Posts:   postViews(result.Posts),
			Cursor:  result.Cursor,
			HasMore: result.HasMore,
			Skipped: result.Skipped,
		})
	case FormatText:
		fmt.Fprintf(f.out, "feed=%s\taction=%s\tposts=%d\thas_more=%t\tskipped=%t\n",
			result.FeedKey, action, len(result.Posts), result.HasMore, result.Skipped)
		f.writePostLines(result.Posts)
		return nil
	case FormatHuman:
		if result.Skipped {
			fmt.Fprintf(f.out, "Nothing to %s for %s\n", action, result.FeedKey)
			return nil
		}
		fmt.Fprintf(f.out, "%s %s: %d posts\n", capitalize(action), result.FeedKey, len(result.Posts))
		if !result.HasMore {
			fmt.Fprintln(f.out, "(end of feed)")
		}
		fmt.Fprintln(f.out)
		f.writePostBlocks(result.Posts)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputNewPosts outputs a poll result. Skipped polls print nothing in text
// and human formats.
func (f *Formatter) OutputNewPosts(n feedsync.NewPosts) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(struct {
			Event   string     `json:"event"`
			FeedKey string     `json:"feed_key"`
			Posts   []PostView `json:"posts"`
			Capped  bool       `json:"capped,omitempty"`
			Skipped bool       `json:"skipped,omitempty"`
		}{"new_posts", n.FeedKey, postViews(n.Posts), n.Capped, n.Skipped})
	case FormatText:
		if n.Skipped {
			return nil
		}
		fmt.Fprintf(f.out, "event=new_posts\tfeed=%s\tcount=%d\tcapped=%t\n", n.FeedKey, len(n.Posts), n.Capped)
		f.writePostLines(n.Posts)
		return nil
	case FormatHuman:
		if n.Skipped || len(n.Posts) == 0 {
			return nil
		}
		more := ""
		if n.Capped {
			more = "+"
		}
		fmt.Fprintf(f.out, "🔔 %d%s new posts in %s\n\n", len(n.Posts), more, n.FeedKey)
		f.writePostBlocks(n.Posts)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputProfile outputs a cached or freshly fetched profile
func (f *Formatter) OutputProfile(p *storage.Profile) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(struct {
			DID              string    `json:"did"`
			Handle           string    `json:"handle"`
			DisplayName      *string   `json:"display_name,omitempty"`
			Avatar           *string   `json:"avatar,omitempty"`
			Banner           *string   `json:"banner,omitempty"`
			Description      *string   `json:"description,omitempty"`
			FollowersCount   *int64    `json:"followers_count,omitempty"`
			FollowingCount   *int64    `json:"following_count,omitempty"`
			PostsCount       *int64    `json:"posts_count,omitempty"`
			ViewerFollowing  *string   `json:"viewer_following,omitempty"`
			ViewerFollowedBy *string   `json:"viewer_followed_by,omitempty"`
			FetchedAt        time.Time `json:"fetched_at"`
			IsFull           bool      `json:"is_full"`
		}{p.DID, p.Handle, p.DisplayName, p.Avatar, p.Banner, p.Description,
			p.FollowersCount, p.FollowingCount, p.PostsCount,
			p.ViewerFollowing, p.ViewerFollowedBy, p.FetchedAt, p.IsFull})
	case FormatText:
		fmt.Fprintf(f.out, "did=%s\thandle=%s\tname=%s\tfollowers=%s\tfollowing=%s\tposts=%s\tfull=%t\n",
			p.DID, p.Handle, deref(p.DisplayName), count(p.FollowersCount),
			count(p.FollowingCount), count(p.PostsCount), p.IsFull)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "%s\n", byline(p.Author()))
		if p.Description != nil && *p.Description != "" {
			fmt.Fprintf(f.out, "\n%s\n\n", *p.Description)
		}
		fmt.Fprintf(f.out, "Followers: %s  Following: %s  Posts: %s\n",
			count(p.FollowersCount), count(p.FollowingCount), count(p.PostsCount))
		fmt.Fprintf(f.out, "Fetched %s\n", humanize.RelTime(p.FetchedAt, f.now(), "ago", "from now"))
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputImageStats outputs image cache statistics
func (f *Formatter) OutputImageStats(stats imagecache.Stats) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(stats)
	case FormatText:
		fmt.Fprintf(f.out, "disk_count=%d\n", stats.DiskCount)
		fmt.Fprintf(f.out, "disk_size_bytes=%d\n", stats.DiskSizeBytes)
		fmt.Fprintf(f.out, "memory_count=%d\n", stats.MemoryCount)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Disk: %d images, %s\n", stats.DiskCount, humanize.IBytes(uint64(stats.DiskSizeBytes)))
		fmt.Fprintf(f.out, "Memory: %d images\n", stats.MemoryCount)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputImage outputs what is known about a cached image, not its bytes
func (f *Formatter) OutputImage(url string, e imagecache.Entry) error {
	contentType := deref(e.ContentType)
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(struct {
			URL         string `json:"url"`
			ContentType string `json:"content_type,omitempty"`
			Size        int    `json:"size"`
		}{url, contentType, len(e.Data)})
	case FormatText:
		fmt.Fprintf(f.out, "url=%s\tcontent_type=%s\tsize=%d\n", url, contentType, len(e.Data))
		return nil
	case FormatHuman:
		if contentType == "" {
			contentType = "unknown type"
		}
		fmt.Fprintf(f.out, "%s\n%s, %s\n", url, contentType, humanize.IBytes(uint64(len(e.Data))))
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// CleanupReport combines the record and image cleanup passes.
type CleanupReport struct {
	FeedItems     int64 `json:"feed_items"`
	FeedStates    int64 `json:"feed_states"`
	Posts         int64 `json:"posts"`
	Profiles      int64 `json:"profiles"`
	ImagesAged    int64 `json:"images_expired"`
	ImagesEvicted int64 `json:"images_evicted"`
	FreedBytes    int64 `json:"freed_bytes"`
}

// NewCleanupReport builds a report from the two cleanup results.
func NewCleanupReport(records storage.CleanupResult, images storage.ImageCleanupResult) CleanupReport {
	return CleanupReport{
		FeedItems:     records.FeedItems,
		FeedStates:    records.FeedStates,
		Posts:         records.Posts,
		Profiles:      records.Profiles,
		ImagesAged:    images.Expired,
		ImagesEvicted: images.Evicted,
		FreedBytes:    images.FreedBytes,
	}
}

// OutputCleanup outputs a cleanup report
func (f *Formatter) OutputCleanup(r CleanupReport) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "feed_items=%d\tfeed_states=%d\tposts=%d\tprofiles=%d\timages_expired=%d\timages_evicted=%d\tfreed_bytes=%d\n",
			r.FeedItems, r.FeedStates, r.Posts, r.Profiles, r.ImagesAged, r.ImagesEvicted, r.FreedBytes)
		return nil
	case FormatHuman:
		records := r.FeedItems + r.FeedStates + r.Posts + r.Profiles
		if records == 0 && r.ImagesAged+r.ImagesEvicted == 0 {
			fmt.Fprintln(f.out, "Nothing to clean up")
			return nil
		}
		fmt.Fprintf(f.out, "Removed %d stale records (%d feed items, %d posts, %d profiles)\n",
			records, r.FeedItems, r.Posts, r.Profiles)
		fmt.Fprintf(f.out, "Removed %d images, freed %s\n",
			r.ImagesAged+r.ImagesEvicted, humanize.IBytes(uint64(r.FreedBytes)))
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}

func (f *Formatter) writePostLines(posts []storage.Post) {
	for _, p := range posts {
		fmt.Fprintf(f.out, "uri=%s\tauthor=%s\tat=%s\ttext=%s\n",
			p.URI, p.Author.Handle, p.SortTimestamp().Format(time.RFC3339), oneLine(p.Text))
	}
}

func (f *Formatter) writePostBlocks(posts []storage.Post) {
	for _, p := range posts {
		if p.RepostReason != nil {
			fmt.Fprintf(f.out, "🔁 reposted by %s\n", byline(p.RepostReason.By))
		}
		fmt.Fprintf(f.out, "%s · %s\n", byline(p.Author), humanize.RelTime(p.CreatedAt, f.now(), "ago", "from now"))
		if p.ReplyContext != nil {
			fmt.Fprintf(f.out, "↳ replying to @%s\n", p.ReplyContext.ParentAuthor.Handle)
		}
		if p.Text != "" {
			fmt.Fprintf(f.out, "%s\n", truncate(p.Text, 500))
		}
		if p.Embed != nil {
			fmt.Fprintf(f.out, "[%s]\n", p.Embed.Kind)
		}
		fmt.Fprintf(f.out, "💬 %s  🔁 %s  ❤️ %s\n", count(p.ReplyCount), count(p.RepostCount), count(p.LikeCount))
		fmt.Fprintln(f.out, "---")
	}
}

func byline(a storage.Author) string {
	if a.DisplayName != nil && *a.DisplayName != "" {
		return fmt.Sprintf("%s (@%s)", *a.DisplayName, a.Handle)
	}
	return "@" + a.Handle
}

// count renders an optional counter; unknown is "-", not zero.
func count(n *int64) string {
	if n == nil {
		return "-"
	}
	return humanize.Comma(*n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
