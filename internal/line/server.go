package line

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"clock-onair/internal/bus"
	"clock-onair/internal/devices"
)

const writeTimeout = 10 * time.Second

// Frame is a command frame pushed down to authenticated devices.
type Frame struct {
	Cmd     string `json:"cmd"`
	Channel int    `json:"channel"`
	State   int    `json:"state"`
}

type authMessage struct {
	Token string `json:"token"`
}

type identifyMessage struct {
	Device string `json:"device"`
}

type ackFrame struct {
	Type string `json:"type"`
}

// Server accepts newline-delimited JSON connections from hardware
// controllers, enforces the token handshake, and feeds the device
// registry. Streams may arrive over TCP or a serial port.
type Server struct {
	addr     string
	token    string
	registry *devices.Registry
	events   *bus.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}

	ln       net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

type conn struct {
	rw     io.ReadWriteCloser
	remote string

	writeMu sync.Mutex

	mu       sync.Mutex
	authed   bool
	closed   bool
	deviceID string
}

// NewServer creates a line-protocol server. Start must be called to
// begin accepting TCP connections.
func NewServer(addr, token string, registry *devices.Registry, events *bus.Bus, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		token:    token,
		registry: registry,
		events:   events,
		logger:   logger.With("component", "line"),
		conns:    make(map[*conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins listening for hardware connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("line server listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("line protocol server listening", "addr", s.addr)
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("line accept", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeStream(nc, nc.RemoteAddr().String())
		}()
	}
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		conns := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
		s.wg.Wait()
	})
}

// ServeStream runs the line protocol over one byte stream until it
// closes. The device record exists for exactly that long.
func (s *Server) ServeStream(rw io.ReadWriteCloser, remote string) {
	c := &conn{rw: rw, remote: remote, deviceID: remote}

	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.registry.Add(remote, host)
	s.emit(bus.EventDeviceConnected, map[string]any{"id": remote, "remoteAddress": host})
	s.logger.Info("device connection", "remote", remote)

	defer func() {
		id := c.currentID()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
		s.registry.Remove(id)
		s.emit(bus.EventDeviceDisconnected, map[string]any{"id": id})
		s.logger.Info("device disconnected", "device", id)
	}()

	reader := bufio.NewReader(rw)
	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			// A partial trailing line is discarded with the stream.
			return
		}
		if line := bytes.TrimSpace(raw); len(line) > 0 {
			s.handleLine(c, host, line)
		}
		if c.isClosed() {
			return
		}
	}
}

func (s *Server) handleLine(c *conn, host string, raw []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("invalid line-protocol JSON", "remote", c.remote)
		return
	}

	if env.Type == "auth" {
		var msg authMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("invalid auth message", "remote", c.remote)
			return
		}
		if subtle.ConstantTimeCompare([]byte(msg.Token), []byte(s.token)) == 1 {
			c.setAuthed()
			s.registry.Touch(c.currentID())
			s.logger.Info("device authenticated", "device", c.currentID())
			if err := c.writeJSON(ackFrame{Type: "auth_ok"}); err != nil {
				s.logger.Debug("auth_ok write failed", "remote", c.remote, "err", err)
			}
		} else {
			s.logger.Warn("device auth failed", "remote", c.remote)
			_ = c.writeJSON(ackFrame{Type: "auth_error"})
			c.close()
		}
		return
	}

	if !c.isAuthed() {
		s.logger.Warn("unauthenticated message ignored", "remote", c.remote, "type", env.Type)
		return
	}

	switch env.Type {
	case "identify":
		var msg identifyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("invalid identify message", "remote", c.remote)
			return
		}
		id := strings.TrimSpace(msg.Device)
		if id == "" {
			return
		}
		old := c.swapID(id)
		s.registry.Rename(old, id, host)
		s.registry.Touch(id)
		s.logger.Info("device identified", "device", id, "remote", c.remote)

	case "pins":
		var pins map[string]any
		if err := json.Unmarshal(raw, &pins); err != nil {
			return
		}
		delete(pins, "type")
		s.registry.MergePins(c.currentID(), host, pins)

	default:
		s.logger.Debug("unhandled device message", "device", c.currentID(), "type", env.Type)
	}
}

// Broadcast writes a newline-terminated JSON frame to every
// authenticated connection. Failed or mid-handshake connections are
// skipped, never surfaced to the caller.
func (s *Server) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("broadcast marshal", "err", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.isAuthed() || c.isClosed() {
			continue
		}
		if err := c.writeRaw(data); err != nil {
			s.logger.Debug("device write failed", "device", c.currentID(), "err", err)
		}
	}
}

func (s *Server) emit(eventType string, data map[string]any) {
	if s.events != nil {
		s.events.Emit(bus.Event{Type: eventType, Data: data})
	}
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(append(data, '\n'))
}

func (c *conn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if nc, ok := c.rw.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := c.rw.Write(data)
	return err
}

func (c *conn) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

func (c *conn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.rw.Close()
	}
}

func (c *conn) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *conn) swapID(id string) (old string) {
	c.mu.Lock()
	old = c.deviceID
	c.deviceID = id
	c.mu.Unlock()
	return old
}
