package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blastline/blastline/internal/config"
	"github.com/blastline/blastline/internal/dispatch"
	"github.com/blastline/blastline/internal/notify"
	"github.com/blastline/blastline/internal/repository"
)

// defaultConnectWait bounds how long POST /channels/{id}/connect blocks for
// the gateway's ready event before answering with the pending prompt.
const defaultConnectWait = 25 * time.Second

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	svc         *dispatch.Service
	bus         *notify.Bus
	channels    *repository.ChannelRepository
	jobs        *repository.JobRepository
	pending     *repository.PendingRepository
	prompts     *repository.PromptRepository
	statuses    *repository.StatusRepository
	config      *config.ServerConfig
	logger      *slog.Logger
	startTime   time.Time
	connectWait time.Duration
}

// NewServer creates a new API server
func NewServer(cfg *config.ServerConfig, db *sql.DB, svc *dispatch.Service, bus *notify.Bus, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		svc:         svc,
		bus:         bus,
		channels:    repository.NewChannelRepository(db),
		jobs:        repository.NewJobRepository(db),
		pending:     repository.NewPendingRepository(db),
		prompts:     repository.NewPromptRepository(db),
		statuses:    repository.NewStatusRepository(db),
		config:      cfg,
		logger:      logger,
		startTime:   time.Now(),
		connectWait: defaultConnectWait,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Get("/channels/{id}", s.handleGetChannel)
		r.Put("/channels/{id}", s.handleUpdateChannel)
		r.Delete("/channels/{id}", s.handleDeleteChannel)
		r.Post("/channels/{id}/default", s.handleSetDefaultChannel)
		r.Post("/channels/{id}/connect", s.handleConnectChannel)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/send", s.handleSendJob)
		r.Post("/jobs/{id}/test", s.handleTestSend)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Post("/messages", s.handleCompose)
		r.Post("/prompts/{id}/dismiss", s.handleDismissPrompt)
		r.Post("/tick", s.handleTick)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
