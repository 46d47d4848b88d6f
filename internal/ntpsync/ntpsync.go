package ntpsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"clock-onair/internal/bus"
)

// DefaultServers is the authority list in priority order.
var DefaultServers = []string{
	"ptbtime1.ptb.de",
	"ptbtime2.ptb.de",
	"pool.ntp.org",
	"time.google.com",
}

// DefaultInterval is how often the offset is refreshed.
const DefaultInterval = 60 * time.Second

const errNoServerReachable = "no-ntp-server-reachable"

// Status is the process-wide sync state, overwritten on each attempt.
type Status struct {
	Synced   bool      `json:"synced"`
	Server   string    `json:"server"`
	LastSync time.Time `json:"lastSync"`
	OffsetMs int64     `json:"offsetMs"`
	Error    string    `json:"error,omitempty"`
}

// queryFunc returns the clock offset (authority minus local) for one
// server. Swappable for tests.
type queryFunc func(host string) (time.Duration, error)

// Service keeps the wall-clock offset against a prioritized list of
// NTP authorities.
type Service struct {
	servers  []string
	interval time.Duration
	events   *bus.Bus
	logger   *slog.Logger
	query    queryFunc

	mu     sync.RWMutex
	status Status
}

// New creates a time-sync service. Successful syncs are emitted on the
// bus as EventNTPStatus; terminal failures are only polled.
func New(servers []string, interval time.Duration, events *bus.Bus, logger *slog.Logger) *Service {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		servers:  servers,
		interval: interval,
		events:   events,
		logger:   logger.With("component", "ntp"),
		query:    queryOffset,
	}
}

func queryOffset(host string) (time.Duration, error) {
	resp, err := ntp.Query(host)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Run syncs once immediately, then on the fixed interval until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.SyncOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce()
		}
	}
}

// SyncOnce walks the authority list in priority order and records the
// first answer. All-failed marks the status unsynced without emitting.
func (s *Service) SyncOnce() {
	for _, host := range s.servers {
		offset, err := s.query(host)
		if err != nil {
			s.mu.Lock()
			s.status = Status{
				Synced:   false,
				Server:   host,
				LastSync: time.Now(),
				OffsetMs: s.status.OffsetMs,
				Error:    err.Error(),
			}
			s.mu.Unlock()
			s.logger.Warn("ntp query failed", "server", host, "err", err)
			continue
		}

		s.mu.Lock()
		s.status = Status{
			Synced:   true,
			Server:   host,
			LastSync: time.Now(),
			OffsetMs: offset.Milliseconds(),
		}
		status := s.status
		s.mu.Unlock()

		s.logger.Info("ntp synced", "server", host, "offsetMs", status.OffsetMs)
		if s.events != nil {
			s.events.Emit(bus.Event{Type: bus.EventNTPStatus, Data: status})
		}
		return
	}

	s.mu.Lock()
	s.status = Status{
		Synced:   false,
		Server:   s.status.Server, // last attempted authority stays visible
		LastSync: time.Now(),
		OffsetMs: s.status.OffsetMs,
		Error:    errNoServerReachable,
	}
	s.mu.Unlock()
	s.logger.Error("all ntp servers unreachable")
}

// Status returns the latest sync state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
