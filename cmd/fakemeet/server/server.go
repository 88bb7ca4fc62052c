// Package server is a minimal conference server for exercising the torture
// harness without a real deployment. It serves a meeting page that exposes
// the same window.APP.conference surface the harness queries, tracks room
// membership over a websocket and answers WebRTC offers with an echoing pion
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (":0" for a random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	PLIInterval  time.Duration // keyframe request period for received video; 0 disables
	Logger       zerolog.Logger
}

// DefaultConfig returns a configuration suitable for testing.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PLIInterval:  3 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Server is the fake conference server.
type Server struct {
	cfg        Config
	log        zerolog.Logger
	api        *webrtc.API
	rooms      *registry
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	addr     string
	running  bool
}

// NewServer creates a server with the given configuration. It does not
// listen until Start is called.
func NewServer(cfg Config) (*Server, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("module", "fakemeet").Logger(),
		api:   api,
		rooms: newRegistry(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleIndex)
	r.Post("/offer", s.handleOffer)
	r.Get("/rooms/{room}", s.handleRoomInfo)
	r.Get("/muc/{room}", s.handleMUC)
	r.Get("/{room}", s.handlePage)
	r.Get("/{tenant}/{room}", s.handlePage)

	// Websocket handlers own their connection, so WriteTimeout is left to
	// the per-message deadlines in the pumps.
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
	}
	if cfg.WriteTimeout > 0 {
		s.httpServer.Handler = writeTimeout(r, cfg.WriteTimeout)
	}
	return s, nil
}

// writeTimeout applies a write deadline to every request except websocket
// upgrades.
func writeTimeout(next http.Handler, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "" {
			_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening and serving in the background. It returns the
// address actually bound, which matters when the port is 0.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("serve failed")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("listening")
	return s.addr, nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on, or "" if it is not
// running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Room returns a snapshot of a room's membership and media counters.
func (s *Server) Room(name string) RoomInfo {
	return s.rooms.info(name)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("fakemeet: open /{room} to join a conference\n"))
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.rooms.info(chi.URLParam(r, "room")))
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "tenant") + chi.URLParam(r, "room")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, pageData{Room: room}); err != nil {
		s.log.Error().Err(err).Str("room", room).Msg("render page")
	}
}
