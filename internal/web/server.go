package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"clock-onair/internal/automation"
	"clock-onair/internal/broker"
	"clock-onair/internal/devices"
	"clock-onair/internal/nowplaying"
	"clock-onair/internal/ntpsync"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithAutomation enables the script management endpoints.
func WithAutomation(mgr *automation.Manager, engine *automation.Engine) ServerOption {
	return func(s *Server) {
		s.scriptMgr = mgr
		s.autoEngine = engine
	}
}

// Server is the HTTP surface of the backend: health and status
// endpoints, the structured now-playing push, and the websocket
// upgrade handed off to the broker.
type Server struct {
	broker     *broker.Broker
	tracker    *nowplaying.Tracker
	ntp        *ntpsync.Service
	registry   *devices.Registry
	scriptMgr  *automation.Manager
	autoEngine *automation.Engine
	logger     *slog.Logger
	mux        *http.ServeMux

	allowedOrigins []string
	version        string
	startedAt      time.Time
}

// NewServer creates the HTTP server around an already-started broker.
func NewServer(b *broker.Broker, tracker *nowplaying.Tracker, ntp *ntpsync.Service, registry *devices.Registry, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		broker:    b,
		tracker:   tracker,
		ntp:       ntp,
		registry:  registry,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/ntp", s.handleNTP)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/nowplaying", s.handleGetNowPlaying)
	s.mux.HandleFunc("POST /api/nowplaying/{station}", s.handlePushNowPlaying)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/scripts", s.handleListScripts)
	s.mux.HandleFunc("POST /api/scripts", s.handleCreateScript)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleGetScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleToggleScript)
	s.mux.HandleFunc("/api/debug-nowplaying", s.handleDebugNowPlaying)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"ok":        true,
		"service":   "clock-onair-backend",
		"startedAt": s.startedAt.UTC().Format(isoMillis),
		"pid":       os.Getpid(),
		"ntp":       s.ntp.Status(),
		"devices":   map[string]any{"count": s.registry.Count()},
	}
	if snap := s.tracker.Snapshot(); snap != nil {
		payload["nowPlaying"] = map[string]any{
			"station":    snap.Station,
			"receivedAt": snap.ReceivedAt,
		}
	} else {
		payload["nowPlaying"] = nil
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleNTP(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ntp.Status())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleGetNowPlaying(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         snap != nil,
		"nowPlaying": snap,
	})
}

// handlePushNowPlaying accepts an arbitrary JSON object from the
// playout automation and runs it through the tracker.
func (s *Server) handlePushNowPlaying(w http.ResponseWriter, r *http.Request) {
	station := strings.ToLower(r.PathValue("station"))

	var payload map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, 512<<10)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}

	snap := s.tracker.ApplyStructured(station, payload)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"station":    snap.Station,
		"receivedAt": snap.ReceivedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ntp":               s.ntp.Status(),
		"nowPlaying":        s.tracker.Snapshot(),
		"chatUsers":         s.broker.ChatCount(),
		"monitoringClients": s.broker.MonitoringCount(),
		"devices":           s.registry.Map(),
	})
}

// handleDebugNowPlaying is an echo endpoint for debugging playout
// automation pushes: it logs whatever arrives and always acks. Meant
// for curl during installs.
func (s *Server) handleDebugNowPlaying(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 512<<10))
	s.logger.Info("debug-nowplaying request",
		"method", r.Method, "url", r.URL.String(), "body", string(body))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"debug":      true,
		"receivedAt": time.Now().UTC().Format(isoMillis),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
