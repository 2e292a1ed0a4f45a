package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/sink"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	queue   Enqueuer
	events  *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance. hub and m may be nil.
func New(config Config, q Enqueuer, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}
	if hub == nil {
		hub = events.NewHub(0)
	}

	return &Server{
		config:    config,
		queue:     q,
		events:    hub,
		metrics:   m,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := sink.Verify(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	id := ""
	if endpoint.IDHeader != "" {
		id = strings.TrimSpace(r.Header.Get(endpoint.IDHeader))
	}
	if id == "" {
		id = uuid.NewString()
	}

	msg, err := s.queue.Enqueue(r.Context(), command.Message{
		ID: id,
		Command: command.Command{
			ID:      id,
			Type:    endpoint.CommandType,
			Payload: json.RawMessage(body),
		},
		Provider:    endpoint.Provider,
		CallbackURL: endpoint.CallbackURL,
	})
	if err != nil {
		var verr *command.ValidationError
		switch {
		case errors.As(err, &verr):
			s.respondError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, queue.ErrDuplicate):
			s.respondError(w, http.StatusConflict, "delivery already received")
		default:
			s.logger.Error("failed to enqueue webhook command",
				"path", r.URL.Path,
				"command_type", endpoint.CommandType,
				"error", err,
			)
			s.respondError(w, http.StatusInternalServerError, "failed to enqueue command")
		}
		return
	}

	s.metrics.CommandAccepted()
	s.events.Publish(events.CommandAccepted, map[string]any{
		"message_id":   msg.ID,
		"command_id":   msg.Command.ID,
		"command_type": msg.Command.Type,
		"source":       "webhook:" + r.URL.Path,
	})
	s.logger.Info("webhook command enqueued",
		"path", r.URL.Path,
		"command_type", endpoint.CommandType,
		"command_id", msg.Command.ID,
	)

	s.respondJSON(w, http.StatusAccepted, TriggerResponse{MessageID: msg.ID, CommandID: msg.Command.ID})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
