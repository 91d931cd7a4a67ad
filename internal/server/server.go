// Package server exposes an asset store over HTTP. Besides serving assets by
// digest it publishes its own disk cache as a repository index, so another
// instance can register http://host/index.gz as a repository.
package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/metrics"
	"git.home.luguber.info/inful/assetstore/internal/service"
)

// MaxWait caps the wait query parameter of asset requests.
const MaxWait = 30 * time.Second

// Server represents the HTTP server.
type Server struct {
	Addr   string
	svc    *service.Service
	logger *slog.Logger
	router *chi.Mux
	server *http.Server
}

// New creates a server for svc listening on addr.
func New(addr string, svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Addr:   addr,
		svc:    svc,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      MaxWait + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", metrics.HTTPHandler(s.svc.Registry()))

	// Assets and the published index
	s.router.Get("/index.gz", s.handleIndex)
	s.router.Get("/assets/{digest}", s.handleAsset)
	s.router.Head("/assets/{digest}", s.handleAsset)
	s.router.Get("/assets/{digest}/info", s.handleAssetInfo)
	s.router.Get("/unlisted", s.handleUnlisted)

	// Repository administration
	s.router.Route("/repositories", func(r chi.Router) {
		r.Get("/", s.handleListRepositories)
		r.Post("/", s.handleAddRepository)
		r.Put("/", s.handleReplaceRepositories)
		r.Delete("/", s.handleRemoveRepository)
	})

	// Retrieval journal
	s.router.Get("/history", s.handleRecentHistory)
	s.router.Get("/history/{digest}", s.handleDigestHistory)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", logfields.URL(s.Addr))
	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
