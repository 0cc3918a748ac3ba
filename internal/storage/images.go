package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ImageStore is the disk tier of the image cache: raw bytes keyed by source
// URL, reclaimed by age and by total size.
type ImageStore struct {
	s *Store
}

// Image is a cached image body.
type Image struct {
	URL         string
	Data        []byte
	ContentType *string
	FetchedAt   time.Time
	AccessedAt  time.Time
}

// ImageStats summarises the disk tier.
type ImageStats struct {
	Count     int64
	SizeBytes int64
}

// ImageCleanupResult reports what a Cleanup pass removed.
type ImageCleanupResult struct {
	Expired    int64 // removed for not being read within the age horizon
	Evicted    int64 // removed to bring the total under the byte budget
	FreedBytes int64
}

// Get returns the image for url and marks it as accessed, or ErrNotFound.
func (c *ImageStore) Get(url string) (*Image, error) {
	var img *Image
	err := c.s.locked(func(db execer) error {
		now := c.s.now()
		var contentType sql.NullString
		var fetchedAt int64
		var data []byte
		err := db.QueryRow(
			`UPDATE images SET last_accessed_at = ? WHERE url = ?
			 RETURNING data, content_type, fetched_at`,
			now.Unix(), url,
		).Scan(&data, &contentType, &fetchedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		img = &Image{
			URL:         url,
			Data:        data,
			ContentType: nullString(contentType),
			FetchedAt:   time.Unix(fetchedAt, 0),
			AccessedAt:  time.Unix(now.Unix(), 0),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Put stores data for url, replacing any previous body and resetting both
// timestamps.
func (c *ImageStore) Put(url string, data []byte, contentType *string) error {
	return c.s.locked(func(db execer) error {
		now := c.s.now().Unix()
		_, err := db.Exec(
			`INSERT INTO images (url, data, content_type, size, fetched_at, last_accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(url) DO UPDATE SET
			   data = excluded.data,
			   content_type = excluded.content_type,
			   size = excluded.size,
			   fetched_at = excluded.fetched_at,
			   last_accessed_at = excluded.last_accessed_at`,
			url, data, contentType, len(data), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to store image: %w", err)
		}
		return nil
	})
}

// Exists reports whether url is on disk without touching its access time.
func (c *ImageStore) Exists(url string) (bool, error) {
	var ok bool
	err := c.s.locked(func(db execer) error {
		var one int
		err := db.QueryRow("SELECT 1 FROM images WHERE url = ?", url).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check image: %w", err)
		}
		ok = true
		return nil
	})
	return ok, err
}

// Cleanup first deletes images not read within maxAge, then, if the
// remaining total still exceeds maxBytes, deletes least recently read images
// until it no longer does. A zero maxAge or maxBytes disables that pass.
func (c *ImageStore) Cleanup(maxAge time.Duration, maxBytes int64) (ImageCleanupResult, error) {
	var res ImageCleanupResult
	err := c.s.withTx(func(tx *sql.Tx) error {
		if maxAge > 0 {
			cutoff := c.s.now().Add(-maxAge).Unix()
			var freed int64
			err := tx.QueryRow(
				"SELECT COALESCE(SUM(size), 0) FROM images WHERE last_accessed_at < ?", cutoff,
			).Scan(&freed)
			if err != nil {
				return fmt.Errorf("failed to size expired images: %w", err)
			}
			r, err := tx.Exec("DELETE FROM images WHERE last_accessed_at < ?", cutoff)
			if err != nil {
				return fmt.Errorf("failed to delete expired images: %w", err)
			}
			res.Expired, _ = r.RowsAffected()
			res.FreedBytes += freed
		}

		if maxBytes <= 0 {
			return nil
		}
		var total int64
		if err := tx.QueryRow("SELECT COALESCE(SUM(size), 0) FROM images").Scan(&total); err != nil {
			return fmt.Errorf("failed to size image cache: %w", err)
		}
		if total <= maxBytes {
			return nil
		}

		rows, err := tx.Query("SELECT url, size FROM images ORDER BY last_accessed_at ASC, url ASC")
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}
		var victims []string
		for rows.Next() && total > maxBytes {
			var url string
			var size int64
			if err := rows.Scan(&url, &size); err != nil {
				rows.Close()
				return fmt.Errorf("failed to read image row: %w", err)
			}
			victims = append(victims, url)
			total -= size
			res.FreedBytes += size
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, url := range victims {
			if _, err := tx.Exec("DELETE FROM images WHERE url = ?", url); err != nil {
				return fmt.Errorf("failed to evict image: %w", err)
			}
		}
		res.Evicted = int64(len(victims))
		return nil
	})
	return res, err
}

// Stats returns the number and total size of images on disk.
func (c *ImageStore) Stats() (ImageStats, error) {
	var st ImageStats
	err := c.s.locked(func(db execer) error {
		err := db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM images").
			Scan(&st.Count, &st.SizeBytes)
		if err != nil {
			return fmt.Errorf("failed to read image stats: %w", err)
		}
		return nil
	})
	return st, err
}
