package nowplaying

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"clock-onair/internal/bus"
)

// DefaultStation is used when a producer does not name a station.
const DefaultStation = "default"

// isoMillis matches the timestamp format the browser clients expect.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Snapshot is the front-end-shaped view of the current track.
type Snapshot struct {
	Station    string         `json:"station"`
	ReceivedAt string         `json:"receivedAt"`
	Title      string         `json:"title"`
	Artist     string         `json:"artist"`
	Album      string         `json:"album"`
	DurationMs int64          `json:"durationMs"`
	IntroMs    int64          `json:"introMs"`
	OutroMs    int64          `json:"outroMs"`
	Payload    map[string]any `json:"payload"`
}

// record is the stored now-playing state. startedAt is derived once per
// track on the structured path and per tag on the ingest path.
type record struct {
	station   string
	startedAt time.Time
	payload   map[string]any
}

// Tracker reconciles now-playing updates from the push API and the
// streaming-tag ingest into a single current record.
type Tracker struct {
	mu      sync.Mutex
	current *record
	events  *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a tracker. Accepted updates are emitted on the bus as
// EventNowPlaying with the resulting snapshot.
func New(events *bus.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		events: events,
		logger: logger.With("component", "nowplaying"),
		now:    time.Now,
	}
}

// ApplyStructured ingests a push-API update. A new title (or no current
// record) resolves the start instant and computes the timing fields;
// repeated updates for the same title keep the previously computed
// startedAt/durationMs/introMs/outroMs and only refresh the rest.
func (t *Tracker) ApplyStructured(station string, payload map[string]any) *Snapshot {
	station = strings.ToLower(strings.TrimSpace(station))
	if station == "" {
		station = DefaultStation
	}

	fields := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		fields[k] = v
	}

	t.mu.Lock()
	now := t.now()
	startedAt := resolveStartedAt(fields, now)

	isNewTitle := t.current == nil ||
		strField(t.current.payload, "title") != strField(fields, "title")

	if isNewTitle {
		if d, ok := numField(fields, "durationMs"); !ok || d == 0 {
			if remain, ok := numField(fields, "remaining"); ok && remain != 0 {
				elapsedMs := now.Sub(startedAt).Milliseconds()
				fields["durationMs"] = float64(elapsedMs) + remain*1000
			}
		}
		if v, ok := numField(fields, "introMs"); !ok || v == 0 {
			if sec, ok := numField(fields, "intro"); ok && sec != 0 {
				fields["introMs"] = sec * 1000
			}
		}
		if v, ok := numField(fields, "outroMs"); !ok || v == 0 {
			if sec, ok := numField(fields, "outro"); ok && sec != 0 {
				fields["outroMs"] = sec * 1000
			}
		}
	} else {
		// Same title: timing fields stay frozen at their first-computed
		// values, whatever the new update claims.
		for _, key := range []string{"durationMs", "introMs", "outroMs"} {
			if v, ok := t.current.payload[key]; ok {
				fields[key] = v
			} else {
				delete(fields, key)
			}
		}
		startedAt = t.current.startedAt
	}

	t.current = &record{station: station, startedAt: startedAt, payload: fields}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Debug("structured update", "station", station, "title", snap.Title, "new", isNewTitle)
	t.emit(snap)
	return snap
}

// ApplyTag ingests one decoded streaming tag. Unlike the structured
// path, every tag replaces the record and recomputes timing, repeated
// titles included.
func (t *Tracker) ApplyTag(attrs map[string]string) *Snapshot {
	title := attrs["Title"]
	if title == "" {
		return nil
	}

	t.mu.Lock()
	now := t.now()
	startedAt := combineTagDate(attrs["AirDate"], attrs["Start"], now)
	remainSec := ParseTagTime(attrs["Remain"])
	introSec := ParseTagTime(attrs["Intro"])
	outroSec := ParseTagTime(attrs["Outro"])

	durationMs := now.Sub(startedAt).Milliseconds() + int64(remainSec)*1000
	if durationMs < 0 {
		durationMs = 0
	}

	payload := map[string]any{
		"title":      title,
		"artist":     attrs["Author"],
		"album":      "",
		"durationMs": durationMs,
		"introMs":    int64(introSec) * 1000,
		"outroMs":    int64(outroSec) * 1000,
		"nextId":     attrs["Next"],
		"_rawStart":  attrs["Start"],
		"_rawRemain": attrs["Remain"],
	}

	t.current = &record{station: DefaultStation, startedAt: startedAt, payload: payload}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Debug("tag update", "title", title, "durationMs", durationMs)
	t.emit(snap)
	return snap
}

// Snapshot returns the current record in front-end shape, or nil when
// nothing has been received yet.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() *Snapshot {
	if t.current == nil {
		return nil
	}
	p := t.current.payload

	duration, _ := numField(p, "durationMs", "DurationMs", "duree")
	intro, _ := numField(p, "introMs", "IntroMs")
	outro, _ := numField(p, "outroMs", "OutroMs")
	if duration < 0 {
		duration = 0
	}

	payload := make(map[string]any, len(p)+3)
	for k, v := range p {
		payload[k] = v
	}
	payload["durationMs"] = int64(duration)
	payload["introMs"] = int64(intro)
	payload["outroMs"] = int64(outro)

	return &Snapshot{
		Station:    t.current.station,
		ReceivedAt: t.current.startedAt.UTC().Format(isoMillis),
		Title:      strField(p, "title", "Title", "titre"),
		Artist:     strField(p, "artist", "Artist", "auteur"),
		Album:      strField(p, "album", "Album", "collection"),
		DurationMs: int64(duration),
		IntroMs:    int64(intro),
		OutroMs:    int64(outro),
		Payload:    payload,
	}
}

func (t *Tracker) emit(snap *Snapshot) {
	if t.events != nil && snap != nil {
		t.events.Emit(bus.Event{Type: bus.EventNowPlaying, Data: snap})
	}
}

// resolveStartedAt picks the track start instant from the first
// parseable candidate field, falling back to now.
func resolveStartedAt(payload map[string]any, now time.Time) time.Time {
	for _, key := range []string{"startTimestamp", "startedAt", "startTime", "startDate", "start"} {
		if v, ok := payload[key]; ok {
			if ts, ok := parseDateCandidate(v); ok {
				return ts
			}
		}
	}
	return now
}

func parseDateCandidate(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case float64:
		return time.UnixMilli(int64(val)), true
	case int64:
		return time.UnixMilli(val), true
	case int:
		return time.UnixMilli(int64(val)), true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// ParseTagTime parses the compact time notation used by tag attributes:
// either a bare integer number of seconds, or HH:MM:SS.
func ParseTagTime(s string) int {
	if s == "" {
		return 0
	}
	if !strings.Contains(s, ":") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0
		}
		return n
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec, _ := strconv.Atoi(parts[2])
	return h*3600 + m*60 + sec
}

// combineTagDate combines an 8-digit DDMMYYYY date with a Start time
// (HH:MM:SS or bare seconds since midnight) into a local-time instant.
func combineTagDate(dateStr, timeStr string, now time.Time) time.Time {
	if len(dateStr) != 8 {
		return now
	}
	day, err1 := strconv.Atoi(dateStr[0:2])
	month, err2 := strconv.Atoi(dateStr[2:4])
	year, err3 := strconv.Atoi(dateStr[4:8])
	if err1 != nil || err2 != nil || err3 != nil {
		return now
	}

	sec := ParseTagTime(timeStr)
	return time.Date(year, time.Month(month), day, 0, 0, sec, 0, time.Local)
}

// strField returns the first non-empty string among the given keys.
func strField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// numField returns the first non-zero numeric value among the given
// keys. Numeric strings count; ok is false when no key holds a number.
func numField(payload map[string]any, keys ...string) (float64, bool) {
	found := false
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		n, ok := toNumber(v)
		if !ok {
			continue
		}
		found = true
		if n != 0 {
			return n, true
		}
	}
	return 0, found
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
