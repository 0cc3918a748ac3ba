package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sethcottle/hangar/internal/feedsync"
	"github.com/sethcottle/hangar/internal/imagecache"
	"github.com/sethcottle/hangar/internal/storage"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestFormatter(format Format) (*Formatter, *bytes.Buffer, *bytes.Buffer) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(format, &out, &errBuf)
	f.now = func() time.Time { return testNow }
	return f, &out, &errBuf
}

func testPosts() []storage.Post {
	name := "Alice"
	likes := int64(1200)
	return []storage.Post{
		{
			URI:       "at://did:plc:alice/app.bsky.feed.post/1",
			CID:       "c1",
			Author:    storage.Author{DID: "did:plc:alice", Handle: "alice.test", DisplayName: &name},
			Text:      "hello\nworld",
			CreatedAt: testNow.Add(-5 * time.Minute),
			IndexedAt: testNow.Add(-5 * time.Minute),
			LikeCount: &likes,
		},
		{
			URI:       "at://did:plc:bob/app.bsky.feed.post/2",
			CID:       "c2",
			Author:    storage.Author{DID: "did:plc:bob", Handle: "bob.test"},
			Text:      "second",
			CreatedAt: testNow.Add(-time.Hour),
			IndexedAt: testNow.Add(-time.Hour),
			RepostReason: &storage.RepostReason{
				By:        storage.Author{DID: "did:plc:carol", Handle: "carol.test"},
				IndexedAt: testNow.Add(-10 * time.Minute),
			},
		},
	}
}

func TestOutputSyncResult_JSON(t *testing.T) {
	f, out, _ := newTestFormatter(FormatJSON)

	cursor := "c2"
	result := feedsync.Result{FeedKey: "home", Posts: testPosts(), Cursor: &cursor, HasMore: true}
	if err := f.OutputSyncResult("refresh", result); err != nil {
		t.Fatalf("OutputSyncResult failed: %v", err)
	}

	var decoded SyncResult
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if decoded.FeedKey != "home" || decoded.Action != "refresh" || !decoded.HasMore {
		t.Errorf("decoded = %+v", decoded)
	}
	if len(decoded.Posts) != 2 || decoded.Posts[0].URI != result.Posts[0].URI {
		t.Fatalf("posts = %+v", decoded.Posts)
	}
	if decoded.Posts[0].LikeCount == nil || *decoded.Posts[0].LikeCount != 1200 {
		t.Errorf("like count = %v", decoded.Posts[0].LikeCount)
	}
	if decoded.Posts[1].RepostReason == nil || decoded.Posts[1].RepostReason.By.Handle != "carol.test" {
		t.Errorf("repost reason = %+v", decoded.Posts[1].RepostReason)
	}
	if decoded.Cursor == nil || *decoded.Cursor != "c2" {
		t.Errorf("cursor = %v", decoded.Cursor)
	}
}

func TestOutputSyncResult_Text(t *testing.T) {
	f, out, _ := newTestFormatter(FormatText)

	result := feedsync.Result{FeedKey: "home", Posts: testPosts()}
	if err := f.OutputSyncResult("more", result); err != nil {
		t.Fatalf("OutputSyncResult failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "feed=home\taction=more\tposts=2\thas_more=false") {
		t.Errorf("missing summary line in output: %s", got)
	}
	if !strings.Contains(got, "text=hello world") {
		t.Errorf("post text not flattened to one line: %s", got)
	}
}

func TestOutputSyncResult_HumanSkipped(t *testing.T) {
	f, out, _ := newTestFormatter(FormatHuman)

	if err := f.OutputSyncResult("load more", feedsync.Result{FeedKey: "home", Skipped: true}); err != nil {
		t.Fatalf("OutputSyncResult failed: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "Nothing to load more for home") {
		t.Errorf("unexpected output: %s", got)
	}
}

func TestOutputPosts_Human(t *testing.T) {
	f, out, _ := newTestFormatter(FormatHuman)

	if err := f.OutputPosts("home", testPosts()); err != nil {
		t.Fatalf("OutputPosts failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Alice (@alice.test)",
		"5 minutes ago",
		"❤️ 1,200",
		"🔁 reposted by @carol.test",
		"💬 -",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output:\n%s", want, got)
		}
	}
}

func TestOutputPosts_HumanEmpty(t *testing.T) {
	f, out, _ := newTestFormatter(FormatHuman)

	if err := f.OutputPosts("home", nil); err != nil {
		t.Fatalf("OutputPosts failed: %v", err)
	}
	if !strings.Contains(out.String(), "No cached posts for home") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestOutputNewPosts(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		in     feedsync.NewPosts
		want   string
	}{
		{"json", FormatJSON, feedsync.NewPosts{FeedKey: "home", Posts: testPosts()[:1]}, `"event":"new_posts"`},
		{"text", FormatText, feedsync.NewPosts{FeedKey: "home", Posts: testPosts()[:1]}, "event=new_posts\tfeed=home\tcount=1"},
		{"human capped", FormatHuman, feedsync.NewPosts{FeedKey: "home", Posts: testPosts(), Capped: true}, "2+ new posts in home"},
		{"human skipped", FormatHuman, feedsync.NewPosts{FeedKey: "home", Skipped: true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, out, _ := newTestFormatter(tt.format)
			if err := f.OutputNewPosts(tt.in); err != nil {
				t.Fatalf("OutputNewPosts failed: %v", err)
			}
			got := out.String()
			if tt.want == "" && got != "" {
				t.Errorf("expected no output, got: %q", got)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("missing %q in output: %s", tt.want, got)
			}
		})
	}
}

func TestOutputProfile_Text(t *testing.T) {
	f, out, _ := newTestFormatter(FormatText)

	followers := int64(7)
	p := &storage.Profile{DID: "did:plc:alice", Handle: "alice.test", FollowersCount: &followers, IsFull: true}
	if err := f.OutputProfile(p); err != nil {
		t.Fatalf("OutputProfile failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "followers=7\tfollowing=-") || !strings.Contains(got, "full=true") {
		t.Errorf("unexpected output: %s", got)
	}
}

func TestOutputImageStats_Human(t *testing.T) {
	f, out, _ := newTestFormatter(FormatHuman)

	if err := f.OutputImageStats(imagecache.Stats{DiskCount: 3, DiskSizeBytes: 2048, MemoryCount: 2}); err != nil {
		t.Fatalf("OutputImageStats failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Disk: 3 images, 2.0 KiB") || !strings.Contains(got, "Memory: 2 images") {
		t.Errorf("unexpected output: %s", got)
	}
}

func TestOutputCleanup(t *testing.T) {
	report := NewCleanupReport(
		storage.CleanupResult{FeedItems: 4, FeedStates: 1, Posts: 2, Profiles: 1},
		storage.ImageCleanupResult{Expired: 1, Evicted: 2, FreedBytes: 4096},
	)

	f, out, _ := newTestFormatter(FormatJSON)
	if err := f.OutputCleanup(report); err != nil {
		t.Fatalf("OutputCleanup failed: %v", err)
	}
	var decoded CleanupReport
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if decoded != report {
		t.Errorf("decoded = %+v, want %+v", decoded, report)
	}

	f, out, _ = newTestFormatter(FormatHuman)
	if err := f.OutputCleanup(report); err != nil {
		t.Fatalf("OutputCleanup failed: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "Removed 8 stale records") || !strings.Contains(got, "Removed 3 images, freed 4.0 KiB") {
		t.Errorf("unexpected output: %s", got)
	}

	f, out, _ = newTestFormatter(FormatHuman)
	f.OutputCleanup(CleanupReport{})
	if !strings.Contains(out.String(), "Nothing to clean up") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestUnknownFormat(t *testing.T) {
	f, _, _ := newTestFormatter(Format("xml"))
	if err := f.OutputPosts("home", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWarning(t *testing.T) {
	f, out, errBuf := newTestFormatter(FormatHuman)

	f.Warning("something went %s", "wrong")

	got := errBuf.String()
	if !strings.Contains(got, "Warning: something went wrong") {
		t.Errorf("expected warning on stderr, got: %q", got)
	}
	if out.Len() != 0 {
		t.Errorf("expected no stdout output, got: %q", out.String())
	}
}

func TestError(t *testing.T) {
	f, out, errBuf := newTestFormatter(FormatHuman)

	f.Error("failed: %d", 42)

	got := errBuf.String()
	if !strings.Contains(got, "failed: 42") {
		t.Errorf("expected error on stderr, got: %q", got)
	}
	if out.Len() != 0 {
		t.Errorf("expected no stdout output, got: %q", out.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short string", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"over length", "hello world", 5, "hello..."},
		{"with whitespace", "  hello  ", 10, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
