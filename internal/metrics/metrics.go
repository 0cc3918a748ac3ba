// Package metrics holds the process-wide Prometheus collectors for the cache
// and sync engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	imageLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_image_cache_lookups_total",
			Help: "Image cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	feedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_feed_fetches_total",
			Help: "Feed source fetches by kind and result",
		},
		[]string{"kind", "result"},
	)

	feedFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hangar_feed_fetch_duration_seconds",
			Help:    "Duration of feed source fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	newPosts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_new_posts_detected_total",
			Help: "Posts found above the anchor by new-content polling",
		},
	)

	cacheWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_cache_write_errors_total",
			Help: "Cache writes that failed and were skipped",
		},
		[]string{"op"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_http_requests_total",
			Help: "Daemon HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hangar_http_request_duration_seconds",
			Help:    "Duration of daemon HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// ImageLookup records a lookup against tier ("memory", "disk" or
// "network") with result "hit", "miss" or "error".
func ImageLookup(tier, result string) {
	imageLookups.WithLabelValues(tier, result).Inc()
}

// FeedFetch records one Feed Source call of kind "refresh", "more" or "poll".
func FeedFetch(kind string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	feedFetches.WithLabelValues(kind, result).Inc()
	feedFetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// NewPostsDetected adds n to the new-post counter.
func NewPostsDetected(n int) {
	newPosts.Add(float64(n))
}

// CacheWriteError records a swallowed cache write failure.
func CacheWriteError(op string) {
	cacheWriteErrors.WithLabelValues(op).Inc()
}

// HTTPRequest records one daemon request. route is the matched mux pattern.
func HTTPRequest(route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
