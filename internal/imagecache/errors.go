package imagecache

import "errors"

var (
	// ErrNotFound indicates the image does not exist at its source (404).
	ErrNotFound = errors.New("image not found")

	// ErrFetchFailed indicates the image could not be retrieved.
	ErrFetchFailed = errors.New("failed to fetch image")

	// ErrTooLarge indicates the image body exceeds the configured maximum.
	ErrTooLarge = errors.New("image exceeds maximum size")
)
