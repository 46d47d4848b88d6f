package ntpsync

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"clock-onair/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSyncOnceFallsBackToNextServer(t *testing.T) {
	logger := testLogger()
	events := bus.New(logger)
	s := New([]string{"bad1", "bad2", "good", "never"}, time.Minute, events, logger)

	var asked []string
	s.query = func(host string) (time.Duration, error) {
		asked = append(asked, host)
		if host != "good" {
			return 0, errors.New("timeout")
		}
		return 250 * time.Millisecond, nil
	}

	got := make(chan bus.Event, 1)
	events.On(bus.EventNTPStatus, func(ev bus.Event) { got <- ev })

	s.SyncOnce()

	if len(asked) != 3 {
		t.Fatalf("asked %v, want stop after first success", asked)
	}
	st := s.Status()
	if !st.Synced || st.Server != "good" || st.OffsetMs != 250 {
		t.Errorf("status = %+v", st)
	}

	select {
	case ev := <-got:
		if ev.Data.(Status).Server != "good" {
			t.Errorf("emitted status = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event emitted")
	}
}

func TestSyncOnceAllServersFail(t *testing.T) {
	logger := testLogger()
	events := bus.New(logger)
	s := New([]string{"bad1", "bad2"}, time.Minute, events, logger)
	s.query = func(host string) (time.Duration, error) {
		return 0, errors.New("timeout")
	}

	emitted := false
	events.On(bus.EventNTPStatus, func(bus.Event) { emitted = true })

	s.SyncOnce()

	st := s.Status()
	if st.Synced {
		t.Error("status should not be synced")
	}
	if st.Error != "no-ntp-server-reachable" {
		t.Errorf("error = %q", st.Error)
	}
	if st.Server != "bad2" {
		t.Errorf("server = %q, want last attempted authority", st.Server)
	}
	if emitted {
		t.Error("terminal failure must not emit a status event")
	}
}

func TestSyncOnceKeepsLastOffsetOnFailure(t *testing.T) {
	logger := testLogger()
	s := New([]string{"srv"}, time.Minute, nil, logger)

	offset := 100 * time.Millisecond
	fail := false
	s.query = func(host string) (time.Duration, error) {
		if fail {
			return 0, errors.New("timeout")
		}
		return offset, nil
	}

	s.SyncOnce()
	if st := s.Status(); st.OffsetMs != 100 {
		t.Fatalf("offsetMs = %d", st.OffsetMs)
	}

	fail = true
	s.SyncOnce()
	st := s.Status()
	if st.Synced {
		t.Error("should be unsynced after failure")
	}
	if st.OffsetMs != 100 {
		t.Errorf("offsetMs = %d, want previous value retained", st.OffsetMs)
	}
}

func TestNewDefaults(t *testing.T) {
	s := New(nil, 0, nil, testLogger())
	if len(s.servers) != len(DefaultServers) {
		t.Errorf("servers = %v", s.servers)
	}
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v", s.interval)
	}
}
