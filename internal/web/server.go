// Package web exposes the hub over HTTP: a JSON API, a WebSocket event
// stream and the embedded browser UI.
package web

import (
	"crypto/subtle"
	"embed"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"ble-sensor-hub/internal/hub"
)

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origins for CORS and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end.
type Server struct {
	hub            *hub.Hub
	logger         *slog.Logger
	mux            *http.ServeMux
	wsHub          *WSHub
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and subscribes it to hub events.
func NewServer(h *hub.Hub, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		hub:    h,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = h.Events().OnAll(func(event hub.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop unsubscribes from hub events and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	s.mux.HandleFunc("POST /api/scan", s.handleAPIScan)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices/fetch", s.handleAPIFetchDetails)
	s.mux.HandleFunc("POST /api/devices/apply", s.handleAPIApplyProfile)
	s.mux.HandleFunc("POST /api/devices/command", s.handleAPISendCommand)

	s.mux.HandleFunc("GET /api/profiles", s.handleAPIListProfiles)
	s.mux.HandleFunc("POST /api/profiles", s.handleAPIUpsertProfile)
	s.mux.HandleFunc("DELETE /api/profiles/{id}", s.handleAPIDeleteProfile)
	s.mux.HandleFunc("PUT /api/profiles/current", s.handleAPISetCurrentProfile)

	s.mux.HandleFunc("GET /api/history/devices", s.handleAPIHistoryDevices)
	s.mux.HandleFunc("GET /api/history/operations", s.handleAPIHistoryOperations)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies CORS and API key checks before dispatching.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
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

	// Only /api/ routes require the key: browsers cannot attach custom
	// headers on page navigation or the WS upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
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

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		s.logger.Error("read index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write index", "err", err)
	}
}
