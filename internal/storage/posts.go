package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostCache stores posts keyed by URI. Storing a post also records a minimal
// profile for every actor it references.
type PostCache struct {
	s *Store
}

// postColumns is the column list scanPost reads, in order. Queries alias
// posts as p and the author profile as pr.
const postColumns = `p.uri, p.cid, p.author_did,
	COALESCE(pr.handle, ''), pr.display_name, pr.avatar,
	p.text, p.created_at, p.indexed_at,
	p.reply_count, p.repost_count, p.like_count,
	p.embed_json, p.viewer_like, p.viewer_repost,
	p.repost_reason_json, p.reply_context_json`

// postSelect joins the author profile so a post reads back whole.
const postSelect = "SELECT " + postColumns + `
	FROM posts p
	LEFT JOIN profiles pr ON pr.did = p.author_did`

// Store upserts a single post.
func (c *PostCache) Store(p Post) error {
	return c.StoreBatch([]Post{p})
}

// StoreBatch upserts posts and their referenced profiles in one transaction.
func (c *PostCache) StoreBatch(posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	return c.s.withTx(func(tx *sql.Tx) error {
		return storePosts(tx, posts, c.s.now())
	})
}

func storePosts(tx execer, posts []Post, now time.Time) error {
	for i := range posts {
		if err := storePost(tx, &posts[i], now); err != nil {
			return err
		}
	}
	return nil
}

// storePost upserts one post. The URI, CID, author and creation time are
// fixed by the first write; everything else follows the latest fetch.
func storePost(tx execer, p *Post, now time.Time) error {
	if err := p.Embed.Validate(); err != nil {
		return fmt.Errorf("%w: post %s: %v", ErrSerialization, p.URI, err)
	}
	embed, err := encodeJSON(p.Embed)
	if err != nil {
		return fmt.Errorf("post %s embed: %w", p.URI, err)
	}
	reason, err := encodeJSON(p.RepostReason)
	if err != nil {
		return fmt.Errorf("post %s repost reason: %w", p.URI, err)
	}
	reply, err := encodeJSON(p.ReplyContext)
	if err != nil {
		return fmt.Errorf("post %s reply context: %w", p.URI, err)
	}

	_, err = tx.Exec(
		`INSERT INTO posts (uri, cid, author_did, text, created_at, indexed_at,
		   like_count, repost_count, reply_count, embed_json,
		   repost_reason_json, reply_context_json, viewer_like, viewer_repost, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uri) DO UPDATE SET
		   text = excluded.text,
		   indexed_at = excluded.indexed_at,
		   like_count = excluded.like_count,
		   repost_count = excluded.repost_count,
		   reply_count = excluded.reply_count,
		   embed_json = excluded.embed_json,
		   repost_reason_json = excluded.repost_reason_json,
		   reply_context_json = excluded.reply_context_json,
		   viewer_like = excluded.viewer_like,
		   viewer_repost = excluded.viewer_repost,
		   fetched_at = excluded.fetched_at`,
		p.URI, p.CID, p.Author.DID, p.Text, formatTime(p.CreatedAt), formatTime(p.IndexedAt),
		p.LikeCount, p.RepostCount, p.ReplyCount, embed,
		reason, reply, p.ViewerLike, p.ViewerRepost, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store post %s: %w", p.URI, err)
	}

	authors := []Author{p.Author}
	if p.RepostReason != nil {
		authors = append(authors, p.RepostReason.By)
	}
	if p.ReplyContext != nil {
		authors = append(authors, p.ReplyContext.ParentAuthor, p.ReplyContext.RootAuthor)
	}
	for _, a := range authors {
		if a.DID == "" {
			continue
		}
		if err := storeMinimal(tx, a, now); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the post for uri, or ErrNotFound.
func (c *PostCache) Get(uri string) (*Post, error) {
	posts, err := c.GetBatch([]string{uri})
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

// GetBatch returns the cached posts for uris in the order given. URIs that
// are not cached are skipped.
func (c *PostCache) GetBatch(uris []string) ([]Post, error) {
	if len(uris) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(uris)), ", ")
	args := make([]any, len(uris))
	for i, u := range uris {
		args[i] = u
	}

	byURI := make(map[string]Post, len(uris))
	err := c.s.locked(func(db execer) error {
		rows, err := db.Query(postSelect+" WHERE p.uri IN ("+placeholders+")", args...)
		if err != nil {
			return fmt.Errorf("failed to query posts: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return err
			}
			byURI[p.URI] = p
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(byURI))
	for _, u := range uris {
		if p, ok := byURI[u]; ok {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

// UpdateViewerState records the confirmed like and repost references for a
// post, leaving the rest of the row alone. Nil clears a reference.
func (c *PostCache) UpdateViewerState(uri string, like, repost *string) error {
	return c.s.locked(func(db execer) error {
		res, err := db.Exec(
			"UPDATE posts SET viewer_like = ?, viewer_repost = ? WHERE uri = ?",
			like, repost, uri,
		)
		if err != nil {
			return fmt.Errorf("failed to update viewer state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var p Post
	var displayName, avatar, embed, viewerLike, viewerRepost, reason, reply sql.NullString
	var replyCount, repostCount, likeCount sql.NullInt64
	var createdAt, indexedAt string

	err := row.Scan(&p.URI, &p.CID, &p.Author.DID,
		&p.Author.Handle, &displayName, &avatar,
		&p.Text, &createdAt, &indexedAt,
		&replyCount, &repostCount, &likeCount,
		&embed, &viewerLike, &viewerRepost,
		&reason, &reply)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to read post: %w", err)
	}

	p.Author.DisplayName = nullString(displayName)
	p.Author.Avatar = nullString(avatar)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.IndexedAt, err = parseTime(indexedAt); err != nil {
		return p, err
	}
	p.ReplyCount = nullInt(replyCount)
	p.RepostCount = nullInt(repostCount)
	p.LikeCount = nullInt(likeCount)
	p.ViewerLike = nullString(viewerLike)
	p.ViewerRepost = nullString(viewerRepost)

	if err := decodeJSON(embed, &p.Embed); err != nil {
		return p, fmt.Errorf("post %s embed: %w", p.URI, err)
	}
	if err := decodeJSON(reason, &p.RepostReason); err != nil {
		return p, fmt.Errorf("post %s repost reason: %w", p.URI, err)
	}
	if err := decodeJSON(reply, &p.ReplyContext); err != nil {
		return p, fmt.Errorf("post %s reply context: %w", p.URI, err)
	}
	return p, nil
}

// encodeJSON stores structured columns as opaque blobs; nil stays NULL.
func encodeJSON[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	s := string(b)
	return &s, nil
}

func decodeJSON[T any](ns sql.NullString, dst **T) error {
	if !ns.Valid || ns.String == "" {
		*dst = nil
		return nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	*dst = v
	return nil
}
