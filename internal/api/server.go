// Package api provides the HTTP servers of the fleet manager: the
// administrative API and the conductor peer dispatch endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/basaltfleet/basalt/internal/api/handlers"
	"github.com/basaltfleet/basalt/internal/api/middleware"
	"github.com/basaltfleet/basalt/internal/auth"
	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/routing"
	"github.com/basaltfleet/basalt/internal/secrets"
	"github.com/basaltfleet/basalt/internal/store"
	"github.com/basaltfleet/basalt/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server is the administrative HTTP API.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	addr       string
	logger     *slog.Logger
}

// Options carries the collaborators of the administrative API.
type Options struct {
	Store    store.Store
	Router   *routing.Router
	Table    *hashring.Table
	Registry *capability.Registry
	Cipher   *secrets.Cipher // optional
	Auth     *auth.Service
	Logger   *slog.Logger
}

// NewServer creates the administrative API server.
func NewServer(cfg *config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health check endpoint (no auth required)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","version":"` + Version + `"}`))
	})

	nodeHandler := handlers.NewNodeHandler(opts.Store, opts.Router, opts.Cipher, logger)
	conductorHandler := handlers.NewConductorHandler(opts.Store, cfg.Coordination.ExpiryThreshold(), logger)
	consoleHandler := handlers.NewConsoleHandler(opts.Store, opts.Registry, logger)
	driverHandler := handlers.NewDriverHandler(opts.Table, opts.Router, logger)

	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(opts.Auth, logger)
		r.Use(authMiddleware.Authenticate)

		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", nodeHandler.Create)
			r.Get("/", nodeHandler.List)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Get("/", nodeHandler.Get)
				r.Patch("/", nodeHandler.Update)
				r.Post("/ops", nodeHandler.SubmitOperation)
				r.Get("/console", consoleHandler.Connect)
			})
		})

		r.Get("/conductors", conductorHandler.List)
		r.Get("/drivers", driverHandler.List)
	})

	s.router = r
	return s
}

// NewPeerServer creates the conductor-side dispatch server. It shares the
// administrative API's token scheme so a single fleet secret covers both.
func NewPeerServer(cfg *config.Config, hostname string, mailboxes *routing.Mailboxes, authSvc *auth.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   fmt.Sprintf("%s:%d", cfg.APIHost, cfg.ConductorPort),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","conductor":"` + hostname + `"}`))
	})

	dispatchHandler := handlers.NewDispatchHandler(hostname, mailboxes, cfg.Coordination.DispatchTimeout, logger)
	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(authSvc, logger)
		r.Use(authMiddleware.Authenticate)
		r.Post("/dispatch", dispatchHandler.Dispatch)
	})

	s.router = r
	return s
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server", "addr", s.addr)
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
