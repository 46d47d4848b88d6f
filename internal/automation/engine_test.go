//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"clock-onair/internal/bus"
	"clock-onair/internal/line"
	"clock-onair/internal/nowplaying"
)

type captureFanout struct {
	mu     sync.Mutex
	frames []line.Frame
}

func (f *captureFanout) Broadcast(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v.(line.Frame))
}

func (f *captureFanout) snapshot() []line.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]line.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeEnabledScript(t *testing.T, dir, id, code string) {
	t.Helper()
	content := "-- {\"name\": \"" + id + "\", \"enabled\": true}\n\n" + code
	if err := os.WriteFile(filepath.Join(dir, id+".lua"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestEngine(t *testing.T, dir string, fanout Fanout, np func() *nowplaying.Snapshot) (*Engine, *bus.Bus) {
	t.Helper()
	logger := testLogger()
	events := bus.New(logger)
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(events, mgr, fanout, np, logger)
	e.Start()
	t.Cleanup(e.Stop)
	return e, events
}

func TestScriptReactsToEvent(t *testing.T) {
	dir := t.TempDir()
	writeEnabledScript(t, dir, "top_lights", `
studio.on("top", function(event)
    if event.active then
        studio.ordres(1, true)
    else
        studio.ordres(1, false)
    end
end)
`)

	fanout := &captureFanout{}
	_, events := newTestEngine(t, dir, fanout, nil)

	events.Emit(bus.Event{Type: bus.EventTop, Data: map[string]any{"active": true}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := fanout.snapshot()
		if len(frames) == 1 {
			if frames[0].Cmd != "ordres" || frames[0].Channel != 1 || frames[0].State != 1 {
				t.Fatalf("frame = %+v", frames[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler never fired")
}

func TestScriptIgnoresOtherEventTypes(t *testing.T) {
	dir := t.TempDir()
	writeEnabledScript(t, dir, "top_only", `
studio.on("top", function(event)
    studio.ordres(2, true)
end)
`)

	fanout := &captureFanout{}
	_, events := newTestEngine(t, dir, fanout, nil)

	events.Emit(bus.Event{Type: bus.EventChat, Data: map[string]any{"text": "hi"}})
	time.Sleep(50 * time.Millisecond)
	if frames := fanout.snapshot(); len(frames) != 0 {
		t.Fatalf("frames = %v", frames)
	}
}

func TestScriptReadsNowPlaying(t *testing.T) {
	dir := t.TempDir()
	writeEnabledScript(t, dir, "np_check", `
studio.on("ordres", function(event)
    local np = studio.now_playing()
    if np and np.title == "Jingle" then
        studio.ordres(9, true)
    end
end)
`)

	fanout := &captureFanout{}
	np := func() *nowplaying.Snapshot {
		return &nowplaying.Snapshot{Title: "Jingle", Station: "default"}
	}
	_, events := newTestEngine(t, dir, fanout, np)

	events.Emit(bus.Event{Type: bus.EventOrdres, Data: map[string]any{"channel": 1, "active": true}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := fanout.snapshot(); len(frames) == 1 && frames[0].Channel == 9 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("now_playing-driven order never sent")
}

func TestDisabledScriptNotLoaded(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name": "off", "enabled": false}

studio.on("top", function(event)
    studio.ordres(1, true)
end)
`
	if err := os.WriteFile(filepath.Join(dir, "off.lua"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fanout := &captureFanout{}
	e, events := newTestEngine(t, dir, fanout, nil)

	events.Emit(bus.Event{Type: bus.EventTop, Data: map[string]any{"active": true}})
	time.Sleep(50 * time.Millisecond)
	if frames := fanout.snapshot(); len(frames) != 0 {
		t.Fatalf("frames = %v", frames)
	}

	e.mu.Lock()
	count := len(e.vms)
	e.mu.Unlock()
	if count != 0 {
		t.Errorf("vm count = %d, want 0", count)
	}
}

func TestBrokenScriptDoesNotStopOthers(t *testing.T) {
	dir := t.TempDir()
	writeEnabledScript(t, dir, "broken", `this is not lua at all (`)
	writeEnabledScript(t, dir, "working", `
studio.on("top", function(event)
    studio.ordres(3, true)
end)
`)

	fanout := &captureFanout{}
	_, events := newTestEngine(t, dir, fanout, nil)

	events.Emit(bus.Event{Type: bus.EventTop, Data: map[string]any{"active": true}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := fanout.snapshot(); len(frames) == 1 && frames[0].Channel == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("working script never fired")
}

func TestSandboxRemovesDangerousGlobals(t *testing.T) {
	dir := t.TempDir()
	writeEnabledScript(t, dir, "probe", `
if os ~= nil or io ~= nil or require ~= nil or dofile ~= nil then
    error("sandbox leak")
end
`)

	e, _ := newTestEngine(t, dir, nil, nil)

	e.mu.Lock()
	count := len(e.vms)
	e.mu.Unlock()
	if count != 1 {
		t.Fatalf("vm count = %d, sandbox probe script failed to load", count)
	}
}

func TestReloadScriptPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeEnabledScript(t, dir, "flip", `
studio.on("top", function(event)
    studio.ordres(1, true)
end)
`)

	fanout := &captureFanout{}
	e, events := newTestEngine(t, dir, fanout, nil)

	writeEnabledScript(t, dir, "flip", `
studio.on("top", function(event)
    studio.ordres(7, true)
end)
`)
	if err := e.ReloadScript("flip"); err != nil {
		t.Fatal(err)
	}

	events.Emit(bus.Event{Type: bus.EventTop, Data: map[string]any{"active": true}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := fanout.snapshot(); len(frames) == 1 && frames[0].Channel == 7 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reloaded script never fired")
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2}, lua.LTTable},
	}
	for _, tt := range tests {
		if got := goToLua(L, tt.val).Type(); got != tt.want {
			t.Errorf("%s: type = %v, want %v", tt.name, got, tt.want)
		}
	}
}
