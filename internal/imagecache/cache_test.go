package imagecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethcottle/hangar/internal/storage"
)

func newTestCache(t *testing.T, capacity int) (*Cache, *storage.Store) {
	t.Helper()
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cache, err := New(store.Images(), Options{MemoryCapacity: capacity})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return cache, store
}

func TestMemoryTierEvictsLeastRecentlyUsed(t *testing.T) {
	cache, _ := newTestCache(t, 3)

	for _, url := range []string{"a", "b", "c"} {
		cache.Store(url, []byte(url), nil)
	}
	// Touch a so b becomes the least recently used.
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("Get(a) missed")
	}
	cache.Store("d", []byte("d"), nil)

	if cache.mem.Len() != 3 {
		t.Errorf("memory count = %d, want 3", cache.mem.Len())
	}
	for url, want := range map[string]bool{"a": true, "b": false, "c": true, "d": true} {
		if got := cache.mem.Contains(url); got != want {
			t.Errorf("memory contains %s = %v, want %v", url, got, want)
		}
	}

	// b is still on disk; reading it promotes it back into memory.
	e, ok := cache.Get("b")
	if !ok || string(e.Data) != "b" {
		t.Fatalf("Get(b) = %q, %v; want disk hit", e.Data, ok)
	}
	if !cache.mem.Contains("b") {
		t.Error("disk hit not promoted to memory")
	}
	if cache.mem.Len() != 3 {
		t.Errorf("memory count after promotion = %d, want 3", cache.mem.Len())
	}
}

func TestGetMiss(t *testing.T) {
	cache, _ := newTestCache(t, 3)
	if _, ok := cache.Get("https://nowhere/x.png"); ok {
		t.Error("Get on empty cache hit")
	}
	if cache.Contains("https://nowhere/x.png") {
		t.Error("Contains on empty cache = true")
	}
}

func TestContainsChecksDisk(t *testing.T) {
	cache, store := newTestCache(t, 3)
	store.Images().Put("disk-only", []byte("x"), nil)

	if !cache.Contains("disk-only") {
		t.Error("Contains missed disk entry")
	}
	if cache.mem.Contains("disk-only") {
		t.Error("Contains promoted into memory")
	}
}

type failingDisk struct {
	DiskTier
}

func (failingDisk) Put(string, []byte, *string) error { return errors.New("disk full") }
func (failingDisk) Get(string) (*storage.Image, error) {
	return nil, errors.New("disk gone")
}

func TestStoreSurvivesDiskFailure(t *testing.T) {
	cache, err := New(failingDisk{}, Options{MemoryCapacity: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ct := "image/jpeg"
	cache.Store("u", []byte("jpeg"), &ct)

	e, ok := cache.Get("u")
	if !ok || string(e.Data) != "jpeg" || *e.ContentType != ct {
		t.Errorf("Get = %q %v %v, want memory hit", e.Data, e.ContentType, ok)
	}
	if _, ok := cache.Get("other"); ok {
		t.Error("disk read error reported as hit")
	}
}

func TestCacheStatsAndCleanup(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	cache, err := New(store.Images(), Options{MemoryCapacity: 10, MaxDiskBytes: 25})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		store.SetClock(func() time.Time { return now.Add(time.Duration(i) * time.Minute) })
		cache.Store(fmt.Sprintf("img%d", i), make([]byte, 10), nil)
	}

	st, err := cache.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st != (Stats{DiskCount: 3, DiskSizeBytes: 30, MemoryCount: 3}) {
		t.Errorf("Stats = %+v", st)
	}

	res, err := cache.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if res.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", res.Evicted)
	}
	if ok, _ := store.Images().Exists("img0"); ok {
		t.Error("oldest image survived size pass")
	}

	// Memory is bounded separately and keeps serving the evicted image.
	if _, ok := cache.Get("img0"); !ok {
		t.Error("memory tier dropped img0 during disk cleanup")
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			if ua := r.Header.Get("User-Agent"); ua != "hangar-test" {
				t.Errorf("User-Agent = %q", ua)
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case "/big.png":
			w.Write([]byte(strings.Repeat("x", 100)))
		case "/broken.png":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 50, "hangar-test")
	ctx := context.Background()

	data, ct, err := f.FetchBytes(ctx, srv.URL+"/ok.png")
	if err != nil {
		t.Fatalf("FetchBytes failed: %v", err)
	}
	if string(data) != "png-bytes" || ct == nil || *ct != "image/png" {
		t.Errorf("FetchBytes = %q %v", data, ct)
	}

	tests := []struct {
		path string
		want error
	}{
		{"/missing.png", ErrNotFound},
		{"/big.png", ErrTooLarge},
		{"/broken.png", ErrFetchFailed},
	}
	for _, tt := range tests {
		if _, _, err := f.FetchBytes(ctx, srv.URL+tt.path); !errors.Is(err, tt.want) {
			t.Errorf("FetchBytes(%s) error = %v, want %v", tt.path, err, tt.want)
		}
	}
}

func TestLoaderDeduplicatesConcurrentLoads(t *testing.T) {
	cache, _ := newTestCache(t, 10)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, url string) ([]byte, *string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []byte("avatar"), nil, nil
	})
	loader := NewLoader(cache, fetcher, 4)

	var wg sync.WaitGroup
	results := make([]string, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		e, _ := loader.Load(context.Background(), "https://cdn/avatar.jpg")
		results[0] = string(e.Data)
	}()
	<-started
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := loader.Load(context.Background(), "https://cdn/avatar.jpg")
			results[i] = string(e.Data)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetcher called %d times, want 1", n)
	}
	for i, r := range results {
		if r != "avatar" {
			t.Errorf("result %d = %q", i, r)
		}
	}
	if !cache.Contains("https://cdn/avatar.jpg") {
		t.Error("loaded image not cached")
	}
}

func TestLoaderSharedDownloadSurvivesCancel(t *testing.T) {
	cache, _ := newTestCache(t, 10)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, url string) ([]byte, *string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return []byte("avatar"), nil, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	})
	loader := NewLoader(cache, fetcher, 4)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := loader.Load(ctxA, "https://cdn/avatar.jpg")
		errA <- err
	}()
	<-started

	type result struct {
		e   Entry
		err error
	}
	resB := make(chan result, 1)
	go func() {
		e, err := loader.Load(context.Background(), "https://cdn/avatar.jpg")
		resB <- result{e, err}
	}()

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	close(release)

	b := <-resB
	if b.err != nil {
		t.Fatalf("second caller error = %v", b.err)
	}
	if string(b.e.Data) != "avatar" {
		t.Errorf("second caller data = %q", b.e.Data)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetcher called %d times, want 1", n)
	}
	if !cache.Contains("https://cdn/avatar.jpg") {
		t.Error("shared download not cached")
	}
}

func TestLoaderPropagatesFetchError(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	loader := NewLoader(cache, FetcherFunc(func(context.Context, string) ([]byte, *string, error) {
		return nil, nil, ErrNotFound
	}), 1)

	if _, err := loader.Load(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
	if cache.Contains("x") {
		t.Error("failed load was cached")
	}
}

func TestPrefetchBoundsConcurrency(t *testing.T) {
	cache, _ := newTestCache(t, 50)
	cache.Store("cached", []byte("c"), nil)

	var inFlight, peak, calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, url string) ([]byte, *string, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		if url == "bad" {
			return nil, nil, ErrFetchFailed
		}
		return []byte(url), nil, nil
	})
	loader := NewLoader(cache, fetcher, 2)

	urls := []string{"cached", "bad"}
	for i := range 10 {
		urls = append(urls, fmt.Sprintf("u%d", i))
	}
	urls = append(urls, "u0") // duplicate

	loaded, err := loader.Prefetch(context.Background(), urls)
	if err != nil {
		t.Fatalf("Prefetch failed: %v", err)
	}
	if loaded != 10 {
		t.Errorf("loaded = %d, want 10", loaded)
	}
	if c := calls.Load(); c != 11 {
		t.Errorf("fetcher calls = %d, want 11", c)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent downloads = %d, want <= 2", p)
	}
}
