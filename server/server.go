// Package server exposes the assistant over HTTP: a websocket and an SSE
// chat endpoint streaming turn events, knowledge ingestion, health and
// metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/engine"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/logging"
	"github.com/becomeliminal/nim-assistant/metrics"
	"github.com/becomeliminal/nim-assistant/session"
)

// Transport-level events. Clients that only understand turn events ignore
// them.
const (
	// EventSession announces the session id before a turn's events.
	EventSession core.EventType = "session"
	// EventDone follows the last event of a turn.
	EventDone core.EventType = "done"
)

// Config holds server dependencies.
type Config struct {
	// Engine runs turns. Required.
	Engine *engine.Engine

	// Sessions persists sessions between turns. Default: in-memory, 24h.
	Sessions session.Store

	// Ingestor serves /knowledge. Optional.
	Ingestor *knowledge.Ingestor

	// Metrics serves /metrics and records ingestion. Optional.
	Metrics *metrics.Metrics

	// AllowedOrigins restricts websocket origins; empty allows any.
	AllowedOrigins []string

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	config   Config
	locks    session.Locks
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, goerr.New("server requires an engine")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewMemoryStore(24 * time.Hour)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{config: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /knowledge", s.handleIngest)
	mux.HandleFunc("DELETE /knowledge/{id}", s.handleDeactivate)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", cfg.Metrics.Handler())
	s.handler = withLogging(mux)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return goerr.Wrap(err, "failed to listen", goerr.V("addr", addr))
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := logging.Component(ctx, "server")
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "shutdown failed")
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
