package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProfileCache stores actor profiles. Full profiles come from an explicit
// fetch and are never downgraded by the minimal author views seen in posts.
type ProfileCache struct {
	s *Store
}

const profileColumns = `did, handle, display_name, avatar, banner, description,
	followers_count, following_count, posts_count,
	viewer_following, viewer_followed_by, fetched_at, is_full`

// StoreFull upserts a fully fetched profile, replacing every column.
func (c *ProfileCache) StoreFull(p Profile) error {
	return c.s.locked(func(db execer) error {
		_, err := db.Exec(
			`INSERT INTO profiles (`+profileColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			 ON CONFLICT(did) DO UPDATE SET
			   handle = excluded.handle,
			   display_name = excluded.display_name,
			   avatar = excluded.avatar,
			   banner = excluded.banner,
			   description = excluded.description,
			   followers_count = excluded.followers_count,
			   following_count = excluded.following_count,
			   posts_count = excluded.posts_count,
			   viewer_following = excluded.viewer_following,
			   viewer_followed_by = excluded.viewer_followed_by,
			   fetched_at = excluded.fetched_at,
			   is_full = 1`,
			p.DID, p.Handle, p.DisplayName, p.Avatar, p.Banner, p.Description,
			p.FollowersCount, p.FollowingCount, p.PostsCount,
			p.ViewerFollowing, p.ViewerFollowedBy, c.s.now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to store profile %s: %w", p.DID, err)
		}
		return nil
	})
}

// StoreMinimal records an author sighting. It never touches a full row, and
// keeps a previously known display name or avatar when the sighting lacks one.
func (c *ProfileCache) StoreMinimal(a Author) error {
	return c.s.locked(func(db execer) error {
		return storeMinimal(db, a, c.s.now())
	})
}

func storeMinimal(db execer, a Author, now time.Time) error {
	_, err := db.Exec(
		`INSERT INTO profiles (did, handle, display_name, avatar, fetched_at, is_full)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT(did) DO UPDATE SET
		   handle = excluded.handle,
		   display_name = COALESCE(excluded.display_name, profiles.display_name),
		   avatar = COALESCE(excluded.avatar, profiles.avatar),
		   fetched_at = excluded.fetched_at
		 WHERE profiles.is_full = 0`,
		a.DID, a.Handle, a.DisplayName, a.Avatar, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store minimal profile %s: %w", a.DID, err)
	}
	return nil
}

// Get returns the cached profile for did, or ErrNotFound.
func (c *ProfileCache) Get(did string) (*Profile, error) {
	var p *Profile
	err := c.s.locked(func(db execer) error {
		var err error
		p, err = scanProfile(db.QueryRow(
			"SELECT "+profileColumns+" FROM profiles WHERE did = ?", did,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// HasFreshFull reports whether a full profile for did was fetched within
// maxAge, letting callers skip a redundant network round trip.
func (c *ProfileCache) HasFreshFull(did string, maxAge time.Duration) (bool, error) {
	var fresh bool
	err := c.s.locked(func(db execer) error {
		cutoff := c.s.now().Add(-maxAge).Unix()
		var n int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM profiles WHERE did = ? AND is_full = 1 AND fetched_at >= ?",
			did, cutoff,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check profile freshness: %w", err)
		}
		fresh = n > 0
		return nil
	})
	return fresh, err
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	var displayName, avatar, banner, description, following, followedBy sql.NullString
	var followers, followingCount, posts sql.NullInt64
	var fetchedAt int64
	var isFull int

	err := row.Scan(&p.DID, &p.Handle, &displayName, &avatar, &banner, &description,
		&followers, &followingCount, &posts, &following, &followedBy, &fetchedAt, &isFull)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p.DisplayName = nullString(displayName)
	p.Avatar = nullString(avatar)
	p.Banner = nullString(banner)
	p.Description = nullString(description)
	p.FollowersCount = nullInt(followers)
	p.FollowingCount = nullInt(followingCount)
	p.PostsCount = nullInt(posts)
	p.ViewerFollowing = nullString(following)
	p.ViewerFollowedBy = nullString(followedBy)
	p.FetchedAt = time.Unix(fetchedAt, 0)
	p.IsFull = isFull != 0
	return &p, nil
}
