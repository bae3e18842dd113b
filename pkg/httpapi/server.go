// Package httpapi exposes the conversation engine over HTTP: JSON
// endpoints for sessions and tools, a buffered query endpoint, and a
// websocket for streamed turns.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/pkg/engine"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/registry"
)

// Config holds server configuration
type Config struct {
	Port     int
	Engine   *engine.Engine
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Logger   zerolog.Logger
}

// Server is the HTTP front of the engine
type Server struct {
	port     int
	engine   *engine.Engine
	gateway  *gateway.Gateway
	registry *registry.Registry
	logger   zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// NewServer creates the server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	return &Server{
		port:     cfg.Port,
		engine:   cfg.Engine,
		gateway:  cfg.Gateway,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/abort", s.handleAbortSession)

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /tool", s.handleToolCall)

	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting HTTP API")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down HTTP API")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
