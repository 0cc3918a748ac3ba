package imagecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves the raw bytes behind a URL.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, *string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, *string, error)

func (f FetcherFunc) FetchBytes(ctx context.Context, url string) ([]byte, *string, error) {
	return f(ctx, url)
}

// DefaultMaxImageBytes caps a single download.
const DefaultMaxImageBytes = 10 * 1024 * 1024

// HTTPFetcher fetches images over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewHTTPFetcher creates an HTTPFetcher. maxBytes <= 0 uses
// DefaultMaxImageBytes.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, userAgent string) *HTTPFetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	if userAgent == "" {
		userAgent = "hangar/1.0"
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

// FetchBytes downloads url. It returns ErrNotFound for a 404, ErrTooLarge
// when the body exceeds the cap and ErrFetchFailed for anything else.
func (f *HTTPFetcher) FetchBytes(ctx context.Context, url string) ([]byte, *string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to create request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil, ErrNotFound
	default:
		return nil, nil, fmt.Errorf("%w: unexpected status code %d", ErrFetchFailed, resp.StatusCode)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, nil, fmt.Errorf("%w: content length %d exceeds %d bytes",
			ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	// Read one byte past the limit to detect oversized bodies without a
	// Content-Length.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read body: %v", ErrFetchFailed, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, f.maxBytes)
	}

	var contentType *string
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		contentType = &ct
	}
	return data, contentType, nil
}
