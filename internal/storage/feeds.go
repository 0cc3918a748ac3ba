package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FeedCache maps a feed key to an ordered list of post references plus the
// pagination and anchor state used to keep it in sync.
type FeedCache struct {
	s *Store
}

// StorePage stores posts and places them in feedKey at positions start,
// start+1, ... in the given order. A post already in the feed is moved
// rather than duplicated.
func (c *FeedCache) StorePage(feedKey string, posts []Post, start int) error {
	if len(posts) == 0 {
		return nil
	}
	return c.s.withTx(func(tx *sql.Tx) error {
		return storeItems(tx, feedKey, posts, start, c.s.now())
	})
}

// ReplacePage swaps the whole cached feed for posts at positions 0, 1, ...
// and sets its state, in one transaction. On error the previous feed and
// state are left as they were.
func (c *FeedCache) ReplacePage(feedKey string, posts []Post, st FeedState) error {
	return c.s.withTx(func(tx *sql.Tx) error {
		if err := clearFeed(tx, feedKey); err != nil {
			return err
		}
		if err := storeItems(tx, feedKey, posts, 0, c.s.now()); err != nil {
			return err
		}
		return setState(tx, feedKey, st)
	})
}

func storeItems(tx execer, feedKey string, posts []Post, start int, now time.Time) error {
	if err := storePosts(tx, posts, now); err != nil {
		return err
	}
	for i, p := range posts {
		_, err := tx.Exec(
			`INSERT INTO feed_items (feed_key, post_uri, position, sort_timestamp, fetched_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(feed_key, post_uri) DO UPDATE SET
			   position = excluded.position,
			   sort_timestamp = excluded.sort_timestamp,
			   fetched_at = excluded.fetched_at`,
			feedKey, p.URI, start+i, formatTime(p.SortTimestamp()), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to store feed item %s: %w", p.URI, err)
		}
	}
	return nil
}

// GetPage returns up to limit posts of feedKey starting at offset, in
// position order.
func (c *FeedCache) GetPage(feedKey string, offset, limit int) ([]Post, error) {
	var posts []Post
	err := c.s.locked(func(db execer) error {
		rows, err := db.Query(
			"SELECT " + postColumns + `
			 FROM feed_items fi
			 JOIN posts p ON p.uri = fi.post_uri
			 LEFT JOIN profiles pr ON pr.did = p.author_did
			 WHERE fi.feed_key = ?
			 ORDER BY fi.position ASC
			 LIMIT ? OFFSET ?`,
			feedKey, limit, offset,
		)
		if err != nil {
			return fmt.Errorf("failed to query feed page: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return err
			}
			posts = append(posts, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// GetState returns the sync state for feedKey. A feed never stored returns
// the zero FeedState.
func (c *FeedCache) GetState(feedKey string) (FeedState, error) {
	var st FeedState
	err := c.s.locked(func(db execer) error {
		var cursor, anchor, anchorTS sql.NullString
		var hasMore int
		var lastRefresh sql.NullInt64
		err := db.QueryRow(
			`SELECT oldest_cursor, has_more, newest_post_uri, newest_sort_timestamp, last_refresh_at
			 FROM feed_state WHERE feed_key = ?`,
			feedKey,
		).Scan(&cursor, &hasMore, &anchor, &anchorTS, &lastRefresh)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read feed state: %w", err)
		}

		st.Cursor = nullString(cursor)
		st.HasMore = hasMore != 0
		st.AnchorURI = nullString(anchor)
		if anchorTS.Valid {
			t, err := parseTime(anchorTS.String)
			if err != nil {
				return err
			}
			st.AnchorSortTimestamp = &t
		}
		if lastRefresh.Valid {
			t := time.Unix(lastRefresh.Int64, 0)
			st.LastRefreshAt = &t
		}
		return nil
	})
	return st, err
}

// SetState replaces the sync state for feedKey.
func (c *FeedCache) SetState(feedKey string, st FeedState) error {
	return c.s.locked(func(db execer) error {
		return setState(db, feedKey, st)
	})
}

func setState(db execer, feedKey string, st FeedState) error {
	var anchorTS *string
	if st.AnchorSortTimestamp != nil {
		v := formatTime(*st.AnchorSortTimestamp)
		anchorTS = &v
	}
	var lastRefresh *int64
	if st.LastRefreshAt != nil {
		v := st.LastRefreshAt.Unix()
		lastRefresh = &v
	}
	_, err := db.Exec(
		`INSERT INTO feed_state (feed_key, oldest_cursor, has_more, newest_post_uri,
		   newest_sort_timestamp, last_refresh_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(feed_key) DO UPDATE SET
		   oldest_cursor = excluded.oldest_cursor,
		   has_more = excluded.has_more,
		   newest_post_uri = excluded.newest_post_uri,
		   newest_sort_timestamp = excluded.newest_sort_timestamp,
		   last_refresh_at = excluded.last_refresh_at`,
		feedKey, st.Cursor, boolInt(st.HasMore), st.AnchorURI, anchorTS, lastRefresh,
	)
	if err != nil {
		return fmt.Errorf("failed to store feed state: %w", err)
	}
	return nil
}

// UpdateCursor moves the pagination cursor without touching the anchor.
func (c *FeedCache) UpdateCursor(feedKey string, cursor *string, hasMore bool) error {
	return c.s.locked(func(db execer) error {
		_, err := db.Exec(
			`INSERT INTO feed_state (feed_key, oldest_cursor, has_more)
			 VALUES (?, ?, ?)
			 ON CONFLICT(feed_key) DO UPDATE SET
			   oldest_cursor = excluded.oldest_cursor,
			   has_more = excluded.has_more`,
			feedKey, cursor, boolInt(hasMore),
		)
		if err != nil {
			return fmt.Errorf("failed to update cursor: %w", err)
		}
		return nil
	})
}

// SetAnchor records the newest post shown for feedKey.
func (c *FeedCache) SetAnchor(feedKey, uri string, sortTS time.Time) error {
	return c.s.locked(func(db execer) error {
		_, err := db.Exec(
			`INSERT INTO feed_state (feed_key, has_more, newest_post_uri, newest_sort_timestamp)
			 VALUES (?, 0, ?, ?)
			 ON CONFLICT(feed_key) DO UPDATE SET
			   newest_post_uri = excluded.newest_post_uri,
			   newest_sort_timestamp = excluded.newest_sort_timestamp`,
			feedKey, uri, formatTime(sortTS),
		)
		if err != nil {
			return fmt.Errorf("failed to set anchor: %w", err)
		}
		return nil
	})
}

// ClearFeed removes every membership and the sync state of feedKey. Posts
// themselves stay cached until orphan cleanup.
func (c *FeedCache) ClearFeed(feedKey string) error {
	return c.s.withTx(func(tx *sql.Tx) error {
		return clearFeed(tx, feedKey)
	})
}

func clearFeed(tx execer, feedKey string) error {
	if _, err := tx.Exec("DELETE FROM feed_items WHERE feed_key = ?", feedKey); err != nil {
		return fmt.Errorf("failed to clear feed items: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM feed_state WHERE feed_key = ?", feedKey); err != nil {
		return fmt.Errorf("failed to clear feed state: %w", err)
	}
	return nil
}

// Count returns the number of posts in feedKey.
func (c *FeedCache) Count(feedKey string) (int, error) {
	var n int
	err := c.s.locked(func(db execer) error {
		err := db.QueryRow("SELECT COUNT(*) FROM feed_items WHERE feed_key = ?", feedKey).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to count feed items: %w", err)
		}
		return nil
	})
	return n, err
}

// AppendPosition is the position after the last post in feedKey. It equals
// Count unless earlier overlapping pages left gaps in the numbering.
func (c *FeedCache) AppendPosition(feedKey string) (int, error) {
	var n, next int
	err := c.s.locked(func(db execer) error {
		err := db.QueryRow(
			"SELECT COUNT(*), COALESCE(MAX(position) + 1, 0) FROM feed_items WHERE feed_key = ?",
			feedKey,
		).Scan(&n, &next)
		if err != nil {
			return fmt.Errorf("failed to read append position: %w", err)
		}
		return nil
	})
	return max(n, next), err
}

// FirstPosition returns the lowest position in feedKey, or 0 when empty.
func (c *FeedCache) FirstPosition(feedKey string) (int, error) {
	var first int
	err := c.s.locked(func(db execer) error {
		err := db.QueryRow(
			"SELECT COALESCE(MIN(position), 0) FROM feed_items WHERE feed_key = ?", feedKey,
		).Scan(&first)
		if err != nil {
			return fmt.Errorf("failed to read first position: %w", err)
		}
		return nil
	})
	return first, err
}

// IsFresh reports whether feedKey was fully refreshed within maxAge.
func (c *FeedCache) IsFresh(feedKey string, maxAge time.Duration) (bool, error) {
	st, err := c.GetState(feedKey)
	if err != nil {
		return false, err
	}
	if st.LastRefreshAt == nil {
		return false, nil
	}
	return c.s.clock().Sub(*st.LastRefreshAt) <= maxAge, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
