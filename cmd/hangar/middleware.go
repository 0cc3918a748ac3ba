package main

import (
	"log"
	"net/http"
	"time"

	"github.com/sethcottle/hangar/internal/metrics"
)

// instrument logs each daemon request and counts it by mux pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		// ServeMux fills in Pattern on the way through.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequest(route, rw.status, elapsed)
		log.Printf("hangar daemon: %s %s %d %s", r.Method, r.URL.Path, rw.status, elapsed.Round(time.Millisecond))
	})
}

// recovery turns a panicking handler into a 500 and keeps the daemon alive.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("hangar daemon: panic serving %s: %v", r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
