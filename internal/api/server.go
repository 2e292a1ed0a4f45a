// Package api serves the HTTP intake surface: command submission, result
// lookup, an SSE event stream, and prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/queue"
)

// CommandQueue accepts messages for dispatch.
type CommandQueue interface {
	Enqueue(ctx context.Context, msg command.Message) (command.Message, error)
	Get(ctx context.Context, id string) (*queue.Item, error)
	Depth(ctx context.Context) (int, error)
}

// ResultReader looks up command results.
type ResultReader interface {
	Get(ctx context.Context, commandID string) (command.Result, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with every scope.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.Grant
	// MaxBodyBytes caps POST bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	// CommandTypes lists the types advertised in /openapi.json.
	CommandTypes []string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	keyring   *auth.Keyring
	queue     CommandQueue
	results   ResultReader
	events    *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub and m may be nil.
func New(config Config, q CommandQueue, results ResultReader, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		queue:     q,
		results:   results,
		events:    hub,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/commands", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/commands/{commandID}", s.handleGetResult)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/messages/{messageID}", s.handleGetMessage)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
