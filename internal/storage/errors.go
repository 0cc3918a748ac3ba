package storage

import "errors"

var (
	// ErrNotFound is returned when an expected row is absent. For a cache this
	// is usually a miss rather than a failure.
	ErrNotFound = errors.New("not found")

	// ErrPathUnavailable is returned when the per-user cache location cannot
	// be resolved or created.
	ErrPathUnavailable = errors.New("cache path unavailable")

	// ErrSerialization is returned when a structured column (embed, repost
	// reason, reply context) cannot be encoded or decoded.
	ErrSerialization = errors.New("malformed cached field")
)
