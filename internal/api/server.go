// Package api exposes the registry and coordinator over a local HTTP API
// with a server-sent event stream for UI collaborators.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/venvdeck/internal/auth"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// Coordinator defines the operation calls the API dispatches to.
type Coordinator interface {
	Create(ctx context.Context, req operation.CreateRequest) (*operation.Operation, error)
	Install(ctx context.Context, ref string, specs []string) (*operation.Operation, error)
	InstallFile(ctx context.Context, ref, file string) (*operation.Operation, error)
	Uninstall(ctx context.Context, ref string, names []string) (*operation.Operation, error)
	Refresh(ctx context.Context, ref string) (*operation.Operation, error)
	Outdated(ctx context.Context, ref string) (*operation.Operation, error)
	Info(ctx context.Context, ref, name string) (*operation.Operation, error)
	Delete(ctx context.Context, ref string) (*operation.Operation, error)
	Clone(ctx context.Context, src, dst string) (*operation.Operation, error)
	Rename(ctx context.Context, src, dst string) (*operation.Operation, error)
	Export(ctx context.Context, ref string, req operation.ExportRequest) (*operation.Operation, error)
	Get(id string) (*operation.Operation, bool)
	Operations() []operation.Snapshot
	Cancel(id string) error
	Busy(path string) (string, bool)
}

// EnvironmentLister defines the read side of the registry.
type EnvironmentLister interface {
	List() []venv.Environment
	Lookup(ref string) (venv.Environment, error)
	Suggest(name string) []string
}

// History defines the journal queries behind GET /history.
type History interface {
	Recent(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// EventSource defines the hub the SSE endpoint reads from.
type EventSource interface {
	Subscribe(types ...string) (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxWait caps the ?wait= duration on mutating requests.
	MaxWait time.Duration
	Version string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	keyring   *auth.Keyring
	coord     Coordinator
	registry  EnvironmentLister
	history   History
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history may be nil when no journal
// is configured.
func New(config Config, coord Coordinator, registry EnvironmentLister, history History, events EventSource, logger *slog.Logger) *Server {
	if config.MaxWait <= 0 {
		config.MaxWait = 10 * time.Minute
	}
	return &Server{
		config:    config,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		coord:     coord,
		registry:  registry,
		history:   history,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Long enough for ?wait= requests; SSE streams clear their own deadline.
		WriteTimeout: s.config.MaxWait + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes("envs:ro")).Get("/environments", s.handleListEnvironments)
		r.With(s.requireScopes("envs:ro")).Get("/environments/{name}", s.handleGetEnvironment)
		r.With(s.requireScopes("envs:rw")).Post("/environments", s.handleCreate)
		r.With(s.requireScopes("envs:rw")).Delete("/environments/{name}", s.handleDelete)
		r.With(s.requireScopes("envs:rw")).Post("/environments/{name}/install", s.handleInstall)
		r.With(s.requireScopes("envs:rw")).Post("/environments/{name}/uninstall", s.handleUninstall)
		r.With(s.requireScopes("envs:rw")).Post("/environments/{name}/refresh", s.handleRefresh)
		r.With(s.requireScopes("envs:ro")).Post("/environments/{name}/outdated", s.handleOutdated)
		r.With(s.requireScopes("envs:ro")).Post("/environments/{name}/info", s.handleInfo)
		r.With(s.requireScopes("envs:rw")).Post("/environments/{name}/clone", s.handleClone)
		r.With(s.requireScopes("envs:rw")).Post("/environments/{name}/rename", s.handleRename)
		r.With(s.requireScopes("envs:rw")).Post("/environments/{name}/export", s.handleExport)

		r.With(s.requireScopes("ops:ro")).Get("/operations", s.handleListOperations)
		r.With(s.requireScopes("ops:ro")).Get("/operations/{id}", s.handleGetOperation)
		r.With(s.requireScopes("ops:rw")).Post("/operations/{id}/cancel", s.handleCancelOperation)
		r.With(s.requireScopes("ops:ro")).Get("/history", s.handleHistory)

		r.With(s.requireScopes("events:ro")).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
