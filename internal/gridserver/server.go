// Package gridserver is an in-memory reference implementation of the grid
// API. Renders complete after a configurable number of polls and a match
// compares the snapshot's DOM digest with the stored baseline digest.
package gridserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config configures a Server.
type Config struct {
	// APIKey, when set, is required in the X-Api-Key header of every API call.
	APIKey string
	// RenderPolls is the number of status polls a render stays WORK_IN_PROGRESS.
	RenderPolls int
	// MaxResourceSize bounds one uploaded resource, in bytes.
	MaxResourceSize int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{RenderPolls: 1, MaxResourceSize: 32 << 20}
}

// Server is the reference grid REST API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    Config
	startTime time.Time
	grid      *grid
}

// New creates a Server with all routes registered.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxResourceSize <= 0 {
		cfg.MaxResourceSize = DefaultConfig().MaxResourceSize
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "gridserver"),
		config:    cfg,
		startTime: time.Now(),
		grid:      newGrid(cfg.RenderPolls),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(apiKeyMiddleware(s.config.APIKey))

			r.Put("/resources/{hash}", s.handlePutResource)

			r.Route("/renders", func(r chi.Router) {
				r.Post("/", s.handleCreateRender)
				r.Get("/{id}", s.handleGetRender)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleOpenSession)
				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", s.handleCloseSession)
					r.Post("/matches", s.handleMatch)
				})
			})
		})
	})
}
