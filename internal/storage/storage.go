package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// FeedHorizon is how long feed memberships and sync state survive
	// without being refreshed.
	FeedHorizon = 24 * time.Hour

	// OrphanHorizon is how long an unreferenced post or profile survives.
	OrphanHorizon = 7 * 24 * time.Hour
)

// Store is the per-user record store. Every read and write goes through one
// connection guarded by mu, so a *Store is safe to share between goroutines.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	now  func() time.Time
}

// DefaultDataDir returns $XDG_DATA_HOME, falling back to ~/.local/share.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathUnavailable, err)
	}
	return filepath.Join(home, ".local", "share"), nil
}

// UserPath resolves the cache database location for userKey under dataDir.
func UserPath(dataDir, userKey string) (string, error) {
	if dataDir == "" {
		var err error
		if dataDir, err = DefaultDataDir(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dataDir, "hangar", safeUserKey(userKey), "cache.db"), nil
}

// safeUserKey turns a DID such as did:plc:abc into a directory name.
func safeUserKey(key string) string {
	if key == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', '.', ' ':
			return '_'
		}
		return r
	}, key)
}

// Open opens (creating if needed) the cache for userKey under dataDir. An
// empty dataDir uses DefaultDataDir.
func Open(dataDir, userKey string) (*Store, error) {
	path, err := UserPath(dataDir, userKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathUnavailable, err)
	}
	return OpenPath(path)
}

// OpenPath opens a cache database at an explicit path and applies the schema.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// SetClock replaces the time source used for fetch and access timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Profiles returns the profile accessor.
func (s *Store) Profiles() *ProfileCache { return &ProfileCache{s: s} }

// Posts returns the post accessor.
func (s *Store) Posts() *PostCache { return &PostCache{s: s} }

// Feeds returns the feed membership and sync state accessor.
func (s *Store) Feeds() *FeedCache { return &FeedCache{s: s} }

// Images returns the disk tier of the image cache.
func (s *Store) Images() *ImageStore { return &ImageStore{s: s} }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction while holding the store lock.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// locked runs fn with the store lock held and the bare connection.
func (s *Store) locked(fn func(db execer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}

// CleanupResult counts the rows removed by CleanupStale.
type CleanupResult struct {
	FeedItems  int64
	FeedStates int64
	Posts      int64
	Profiles   int64
}

// Total is the number of rows removed across all tables.
func (r CleanupResult) Total() int64 {
	return r.FeedItems + r.FeedStates + r.Posts + r.Profiles
}

// CleanupStale drops feed memberships and sync state older than FeedHorizon,
// then posts no longer in any feed and older than OrphanHorizon, then
// profiles no longer authoring any post and older than OrphanHorizon. Each
// step sees the rows the previous one left behind.
func (s *Store) CleanupStale() (CleanupResult, error) {
	var res CleanupResult
	err := s.withTx(func(tx *sql.Tx) error {
		now := s.now()
		feedCutoff := now.Add(-FeedHorizon).Unix()
		orphanCutoff := now.Add(-OrphanHorizon).Unix()

		steps := []struct {
			name  string
			query string
			arg   int64
			n     *int64
		}{
			{"feed items", "DELETE FROM feed_items WHERE fetched_at < ?", feedCutoff, &res.FeedItems},
			{"feed state", "DELETE FROM feed_state WHERE last_refresh_at < ?", feedCutoff, &res.FeedStates},
			{"posts", `DELETE FROM posts WHERE fetched_at < ?
				AND uri NOT IN (SELECT post_uri FROM feed_items)`, orphanCutoff, &res.Posts},
			{"profiles", `DELETE FROM profiles WHERE fetched_at < ?
				AND did NOT IN (SELECT author_did FROM posts)`, orphanCutoff, &res.Profiles},
		}
		for _, step := range steps {
			r, err := tx.Exec(step.query, step.arg)
			if err != nil {
				return fmt.Errorf("failed to clean %s: %w", step.name, err)
			}
			*step.n, _ = r.RowsAffected()
		}
		return nil
	})
	return res, err
}

// Timestamps that must sort and round-trip exactly are stored as fixed-width
// UTC text; bookkeeping times are unix seconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate rows written by other tools.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrSerialization, s)
	}
	return t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
