package nowplaying

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, logger)
}

func TestStructuredNewTrackComputesDurationFromRemaining(t *testing.T) {
	tr := newTestTracker()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	snap := tr.ApplyStructured("Default", map[string]any{
		"title":     "Song A",
		"artist":    "X",
		"remaining": float64(30),
	})

	if snap.Station != "default" {
		t.Errorf("station = %q, want default", snap.Station)
	}
	if snap.DurationMs != 30000 {
		t.Errorf("durationMs = %d, want 30000", snap.DurationMs)
	}
}

func TestStructuredSameTitleKeepsTiming(t *testing.T) {
	tr := newTestTracker()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	first := tr.ApplyStructured("default", map[string]any{
		"title":      "Song A",
		"artist":     "X",
		"durationMs": float64(120000),
		"introMs":    float64(5000),
		"outroMs":    float64(8000),
	})

	// Second update for the same title, later, with a conflicting
	// remaining figure: timing must stay frozen.
	tr.now = func() time.Time { return base.Add(45 * time.Second) }
	second := tr.ApplyStructured("default", map[string]any{
		"title":     "Song A",
		"artist":    "X",
		"remaining": float64(30),
	})

	if second.DurationMs != first.DurationMs {
		t.Errorf("durationMs changed: %d -> %d", first.DurationMs, second.DurationMs)
	}
	if second.IntroMs != first.IntroMs || second.OutroMs != first.OutroMs {
		t.Errorf("intro/outro changed: %d/%d -> %d/%d",
			first.IntroMs, first.OutroMs, second.IntroMs, second.OutroMs)
	}
	if second.ReceivedAt != first.ReceivedAt {
		t.Errorf("receivedAt changed: %s -> %s", first.ReceivedAt, second.ReceivedAt)
	}
	if second.Artist != "X" || second.Title != "Song A" {
		t.Errorf("descriptive fields wrong: %q / %q", second.Title, second.Artist)
	}
}

func TestStructuredNewTitleRecomputesTiming(t *testing.T) {
	tr := newTestTracker()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	tr.ApplyStructured("default", map[string]any{
		"title":      "Song A",
		"durationMs": float64(120000),
	})

	snap := tr.ApplyStructured("default", map[string]any{
		"title":     "Song B",
		"remaining": float64(60),
	})

	if snap.DurationMs != 60000 {
		t.Errorf("durationMs = %d, want 60000 (recomputed from remaining)", snap.DurationMs)
	}
}

func TestStructuredIntroOutroSecondsConversion(t *testing.T) {
	tr := newTestTracker()
	snap := tr.ApplyStructured("default", map[string]any{
		"title": "Song A",
		"intro": float64(5),
		"outro": float64(8),
	})
	if snap.IntroMs != 5000 || snap.OutroMs != 8000 {
		t.Errorf("intro/outro = %d/%d, want 5000/8000", snap.IntroMs, snap.OutroMs)
	}
}

func TestStructuredStartTimestampResolution(t *testing.T) {
	tr := newTestTracker()
	base := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	tr.now = func() time.Time { return base }
	start := base.Add(-30 * time.Second)

	snap := tr.ApplyStructured("default", map[string]any{
		"title":          "Song A",
		"startTimestamp": float64(start.UnixMilli()),
		"remaining":      float64(90),
	})

	// 30s elapsed + 90s remaining
	if snap.DurationMs != 120000 {
		t.Errorf("durationMs = %d, want 120000", snap.DurationMs)
	}
	if snap.ReceivedAt != start.UTC().Format(isoMillis) {
		t.Errorf("receivedAt = %s, want %s", snap.ReceivedAt, start.UTC().Format(isoMillis))
	}
}

func TestSnapshotClampsNegativeDuration(t *testing.T) {
	tr := newTestTracker()
	snap := tr.ApplyStructured("default", map[string]any{
		"title":      "Song A",
		"durationMs": float64(-500),
	})
	if snap.DurationMs != 0 {
		t.Errorf("durationMs = %d, want 0", snap.DurationMs)
	}
	if v, ok := snap.Payload["durationMs"].(int64); !ok || v != 0 {
		t.Errorf("payload durationMs = %v, want 0", snap.Payload["durationMs"])
	}
}

func TestSnapshotFallbackKeys(t *testing.T) {
	tr := newTestTracker()
	snap := tr.ApplyStructured("default", map[string]any{
		"Title":      "Chanson",
		"auteur":     "Quelqu'un",
		"collection": "Album X",
		"duree":      float64(90000),
	})
	if snap.Title != "Chanson" || snap.Artist != "Quelqu'un" || snap.Album != "Album X" {
		t.Errorf("fallback keys not honored: %q %q %q", snap.Title, snap.Artist, snap.Album)
	}
	if snap.DurationMs != 90000 {
		t.Errorf("durationMs = %d, want 90000", snap.DurationMs)
	}
}

func TestTagUpdateRecomputesOnRepeatedTitle(t *testing.T) {
	tr := newTestTracker()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	tr.now = func() time.Time { return base }

	attrs := map[string]string{
		"Title":   "T1",
		"Author":  "A",
		"AirDate": "01032024",
		"Start":   "12:00:00",
		"Remain":  "60",
	}
	first := tr.ApplyTag(attrs)
	if first.DurationMs != 60000 {
		t.Fatalf("first durationMs = %d, want 60000", first.DurationMs)
	}

	// Same title again, 20s later, smaller remain: the tag path resets
	// timing instead of freezing it.
	tr.now = func() time.Time { return base.Add(20 * time.Second) }
	attrs["Remain"] = "40"
	second := tr.ApplyTag(attrs)
	if second.DurationMs != 60000 {
		// 20s elapsed + 40s remain = 60s, recomputed from scratch
		t.Errorf("second durationMs = %d, want 60000", second.DurationMs)
	}
	if second.ReceivedAt == "" {
		t.Error("receivedAt empty")
	}
}

func TestTagUpdateIgnoresEmptyTitle(t *testing.T) {
	tr := newTestTracker()
	if snap := tr.ApplyTag(map[string]string{"Author": "A"}); snap != nil {
		t.Errorf("expected nil snapshot for empty title, got %+v", snap)
	}
	if tr.Snapshot() != nil {
		t.Error("tracker should hold no record")
	}
}

func TestTagIntroOutroNotations(t *testing.T) {
	tr := newTestTracker()
	snap := tr.ApplyTag(map[string]string{
		"Title":   "T1",
		"AirDate": "",
		"Start":   "",
		"Remain":  "10",
		"Intro":   "3",
		"Outro":   "00:00:08",
	})
	if snap.IntroMs != 3000 || snap.OutroMs != 8000 {
		t.Errorf("intro/outro = %d/%d, want 3000/8000", snap.IntroMs, snap.OutroMs)
	}
}

func TestSnapshotNilWhenEmpty(t *testing.T) {
	tr := newTestTracker()
	if tr.Snapshot() != nil {
		t.Error("snapshot should be nil before any update")
	}
}

func TestParseTagTime(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"90", 90},
		{"3", 3},
		{"01:02:03", 3723},
		{"00:00:08", 8},
		{"1:2", 0},
		{"abc", 0},
	}
	for _, c := range cases {
		if got := ParseTagTime(c.in); got != c.want {
			t.Errorf("ParseTagTime(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCombineTagDate(t *testing.T) {
	now := time.Date(2024, 5, 5, 10, 0, 0, 0, time.Local)

	got := combineTagDate("15042024", "13:30:05", now)
	want := time.Date(2024, 4, 15, 13, 30, 5, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("combineTagDate = %v, want %v", got, want)
	}

	// Bare-seconds Start is seconds since midnight.
	got = combineTagDate("15042024", "3600", now)
	want = time.Date(2024, 4, 15, 1, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("combineTagDate bare = %v, want %v", got, want)
	}

	// Malformed date falls back to now.
	if got := combineTagDate("xx", "12:00:00", now); !got.Equal(now) {
		t.Errorf("combineTagDate fallback = %v, want now", got)
	}
}
