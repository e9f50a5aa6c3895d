// Package push serves the realtime dashboard surface: a websocket endpoint
// subscribed to the broadcast group, plus health and metrics endpoints.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ASDEAhardware/bfg-sub000/internal/broadcast"
	"github.com/ASDEAhardware/bfg-sub000/pkg/metrics"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// ShutdownTimeout bounds the graceful HTTP shutdown at process exit.
	ShutdownTimeout = 10 * time.Second
)

// Server exposes the push channel over HTTP.
type Server struct {
	logger   *slog.Logger
	hub      *broadcast.Hub
	addr     string
	upgrader websocket.Upgrader
	srv      *http.Server
}

// ServerConfig holds the configuration for the push Server.
type ServerConfig struct {
	Logger *slog.Logger
	Hub    *broadcast.Hub
	Addr   string
}

// NewServer creates a new push Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Addr == "" {
		return nil, errors.New("listen address cannot be empty")
	}

	s := &Server{
		logger: cfg.Logger,
		hub:    cfg.Hub,
		addr:   cfg.Addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect cross-origin; auth lives upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start runs the HTTP listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("push server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("push server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleWS upgrades the request and streams broadcast events as JSON until
// the client disconnects. Events the socket cannot keep up with are dropped
// by the hub, never queued unbounded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	s.logger.Info("push subscriber attached", "remote", r.RemoteAddr, "group", broadcast.GroupName)

	// Reader only watches for close/errors; subscribers never send data.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			s.logger.Info("push subscriber detached", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("push write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
