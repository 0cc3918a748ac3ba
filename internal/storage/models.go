package storage

import (
	"errors"
	"fmt"
	"time"
)

// Author is the minimal view of a profile carried inside a post: enough to
// render a byline, nothing more.
type Author struct {
	DID         string  `json:"did"`
	Handle      string  `json:"handle"`
	DisplayName *string `json:"display_name,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}

// Profile is a cached actor record. IsFull is set only by an explicit
// profile fetch; sightings as a post author produce minimal rows.
type Profile struct {
	DID              string
	Handle           string
	DisplayName      *string
	Avatar           *string
	Banner           *string
	Description      *string
	FollowersCount   *int64
	FollowingCount   *int64
	PostsCount       *int64
	ViewerFollowing  *string // URI of our follow record, if we follow them
	ViewerFollowedBy *string // URI of their follow record, if they follow us
	FetchedAt        time.Time
	IsFull           bool
}

// Author returns the minimal view of p.
func (p Profile) Author() Author {
	return Author{DID: p.DID, Handle: p.Handle, DisplayName: p.DisplayName, Avatar: p.Avatar}
}

// RepostReason records who surfaced a post into a feed by reposting it.
type RepostReason struct {
	By        Author    `json:"by"`
	IndexedAt time.Time `json:"indexed_at"`
}

// ReplyContext names the authors a reply is responding to.
type ReplyContext struct {
	ParentAuthor Author `json:"parent_author"`
	RootAuthor   Author `json:"root_author"`
}

// Post is a cached post. Nil counters mean "unknown", not zero.
type Post struct {
	URI          string
	CID          string
	Author       Author
	Text         string
	CreatedAt    time.Time
	IndexedAt    time.Time
	ReplyCount   *int64
	RepostCount  *int64
	LikeCount    *int64
	Embed        *Embed
	ViewerLike   *string
	ViewerRepost *string
	RepostReason *RepostReason
	ReplyContext *ReplyContext
}

// SortTimestamp is the time a post entered a feed: the repost time when it
// was surfaced by a repost, otherwise its indexing time.
func (p Post) SortTimestamp() time.Time {
	if p.RepostReason != nil {
		return p.RepostReason.IndexedAt
	}
	return p.IndexedAt
}

// ImageURLs lists every image a renderer may ask for when showing p, in
// display order and without duplicates.
func (p Post) ImageURLs() []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(u *string) {
		if u == nil || *u == "" || seen[*u] {
			return
		}
		seen[*u] = true
		urls = append(urls, *u)
	}
	add(p.Author.Avatar)
	if p.RepostReason != nil {
		add(p.RepostReason.By.Avatar)
	}
	p.Embed.imageURLs(add)
	return urls
}

// EmbedKind tags the variant held by an Embed.
type EmbedKind string

const (
	EmbedImages          EmbedKind = "images"
	EmbedExternal        EmbedKind = "external"
	EmbedVideo           EmbedKind = "video"
	EmbedRecord          EmbedKind = "record"
	EmbedRecordWithMedia EmbedKind = "record_with_media"
)

// MaxEmbedDepth bounds quote nesting: a quote may carry an embed that quotes
// again, down to this many levels.
const MaxEmbedDepth = 3

// Embed is a closed sum over the attachment shapes a post can carry. Exactly
// the payload matching Kind is set; Validate enforces that.
type Embed struct {
	Kind     EmbedKind      `json:"kind"`
	Images   []ImageEmbed   `json:"images,omitempty"`
	External *ExternalEmbed `json:"external,omitempty"`
	Video    *VideoEmbed    `json:"video,omitempty"`
	Record   *QuotedPost    `json:"record,omitempty"`
	// Media accompanies Record for EmbedRecordWithMedia and is one of the
	// images, external or video kinds.
	Media *Embed `json:"media,omitempty"`
}

type ImageEmbed struct {
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Alt      string `json:"alt,omitempty"`
}

type ExternalEmbed struct {
	URI         string  `json:"uri"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Thumb       *string `json:"thumb,omitempty"`
}

type VideoEmbed struct {
	Playlist  string  `json:"playlist"`
	Thumbnail *string `json:"thumbnail,omitempty"`
	Alt       *string `json:"alt,omitempty"`
}

// QuotedPost is the view of a post embedded by another post.
type QuotedPost struct {
	URI       string    `json:"uri"`
	CID       string    `json:"cid"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Embed     *Embed    `json:"embed,omitempty"`
}

var errInvalidEmbed = errors.New("invalid embed")

// Validate checks that e holds exactly the payload its Kind names and that
// quote nesting stays within MaxEmbedDepth.
func (e *Embed) Validate() error {
	return e.validate(1)
}

func (e *Embed) validate(depth int) error {
	if e == nil {
		return nil
	}
	if depth > MaxEmbedDepth {
		return fmt.Errorf("%w: nested deeper than %d", errInvalidEmbed, MaxEmbedDepth)
	}
	set := 0
	if len(e.Images) > 0 {
		set++
	}
	if e.External != nil {
		set++
	}
	if e.Video != nil {
		set++
	}
	switch e.Kind {
	case EmbedImages:
		if len(e.Images) == 0 || set != 1 || e.Record != nil || e.Media != nil {
			return fmt.Errorf("%w: images embed without images", errInvalidEmbed)
		}
	case EmbedExternal:
		if e.External == nil || set != 1 || e.Record != nil || e.Media != nil {
			return fmt.Errorf("%w: external embed without link card", errInvalidEmbed)
		}
	case EmbedVideo:
		if e.Video == nil || set != 1 || e.Record != nil || e.Media != nil {
			return fmt.Errorf("%w: video embed without video", errInvalidEmbed)
		}
	case EmbedRecord:
		if e.Record == nil || set != 0 || e.Media != nil {
			return fmt.Errorf("%w: record embed without record", errInvalidEmbed)
		}
		return e.Record.Embed.validate(depth + 1)
	case EmbedRecordWithMedia:
		if e.Record == nil || e.Media == nil || set != 0 {
			return fmt.Errorf("%w: record_with_media needs record and media", errInvalidEmbed)
		}
		switch e.Media.Kind {
		case EmbedImages, EmbedExternal, EmbedVideo:
		default:
			return fmt.Errorf("%w: media of kind %q", errInvalidEmbed, e.Media.Kind)
		}
		if err := e.Media.validate(depth); err != nil {
			return err
		}
		return e.Record.Embed.validate(depth + 1)
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidEmbed, e.Kind)
	}
	return nil
}

func (e *Embed) imageURLs(add func(*string)) {
	if e == nil {
		return
	}
	for i := range e.Images {
		add(&e.Images[i].Thumb)
		add(&e.Images[i].Fullsize)
	}
	if e.External != nil {
		add(e.External.Thumb)
	}
	if e.Video != nil {
		add(e.Video.Thumbnail)
	}
	if e.Record != nil {
		add(e.Record.Author.Avatar)
		e.Record.Embed.imageURLs(add)
	}
	e.Media.imageURLs(add)
}

// FeedState is the per-feed synchronization record. The zero value is the
// state of a feed that has never been fetched.
type FeedState struct {
	// Cursor fetches the next older page; nil means no more or not fetched.
	Cursor  *string
	HasMore bool
	// AnchorURI is the newest post shown, the stop point for new-post polling.
	AnchorURI           *string
	AnchorSortTimestamp *time.Time
	LastRefreshAt       *time.Time
}
