package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"clock-onair/internal/nowplaying"
)

// Server listens for the playout system's streaming-tag feed and turns
// decoded ONAIR tags into now-playing updates.
type Server struct {
	addr    string
	tracker *nowplaying.Tracker
	logger  *slog.Logger

	ln       net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates an ingest server feeding the given tracker.
func NewServer(addr string, tracker *nowplaying.Tracker, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		tracker: tracker,
		logger:  logger.With("component", "ingest"),
		done:    make(chan struct{}),
	}
}

// Start begins accepting playout connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingest server listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("ingest server listening", "addr", s.addr)
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for connection handlers.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
		s.wg.Wait()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("ingest accept", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Info("ingest connection", "remote", remote)
	defer func() {
		conn.Close()
		s.logger.Info("ingest disconnected", "remote", remote)
	}()

	sc := &tagScanner{}
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			for _, attrs := range sc.feed(chunk[:n]) {
				if attrs["Title"] == "" {
					continue
				}
				s.tracker.ApplyTag(attrs)
			}
		}
		if err != nil {
			return
		}
	}
}
