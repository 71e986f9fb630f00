// Package web exposes the HTTP surface: the collaborative editing
// websocket, read-only text access, server statistics, document metadata
// CRUD, and the static frontend.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkpad/inkpad/internal/config"
	"github.com/inkpad/inkpad/internal/db"
	"github.com/inkpad/inkpad/internal/pad"
)

// Server is the HTTP server for the collaborative editor backend.
type Server struct {
	cfg       *config.Config
	db        *db.DB
	registry  *pad.Registry
	mux       *http.ServeMux
	server    *http.Server
	upgrader  websocket.Upgrader
	startTime time.Time
}

// New creates a new web server around a database and session registry.
func New(cfg *config.Config, database *db.DB, registry *pad.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		db:       database,
		registry: registry,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The access proxy in front of the server is trusted to
			// enforce origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.mux,
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the route multiplexer, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	slog.Info("listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/socket/{id}", s.handleSocket)
	s.mux.HandleFunc("GET /api/text/{id}", s.handleText)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/openapi.yaml", s.handleOpenAPISpec)

	s.mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	s.mux.HandleFunc("POST /api/documents", s.handleCreateDocument)
	s.mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	s.mux.HandleFunc("PATCH /api/documents/{id}", s.handleRenameDocument)
	s.mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)

	s.mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
}
