package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/queue"
)

var callbackSchemes = map[string]bool{"http": true, "https": true, "mqtt": true}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleSubmit handles POST /commands.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || !callbackSchemes[u.Scheme] {
			s.writeError(w, http.StatusBadRequest, "callback_url must be an http, https, or mqtt URL")
			return
		}
	}

	msg, err := s.queue.Enqueue(r.Context(), command.Message{
		ID:          req.ID,
		Command:     req.Command,
		Provider:    req.Provider,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		var verr *command.ValidationError
		switch {
		case errors.As(err, &verr):
			s.writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, queue.ErrDuplicate):
			s.writeError(w, http.StatusConflict, "message already submitted")
		default:
			s.logger.Error("failed to enqueue command", "command_id", req.Command.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		}
		return
	}

	s.metrics.CommandAccepted()
	s.events.Publish(events.CommandAccepted, map[string]any{
		"message_id":   msg.ID,
		"command_id":   msg.Command.ID,
		"command_type": msg.Command.Type,
	})
	s.logger.Info("command accepted", "message_id", msg.ID, "command_id", msg.Command.ID, "command_type", msg.Command.Type)

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		MessageID: msg.ID,
		CommandID: msg.Command.ID,
		Status:    string(queue.StatusQueued),
	})
}

// handleGetResult handles GET /commands/{commandID}.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")

	res, err := s.results.Get(r.Context(), commandID)
	if errors.Is(err, command.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read result", "command_id", commandID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleGetMessage handles GET /messages/{messageID}.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	item, err := s.queue.Get(r.Context(), messageID)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read message", "message_id", messageID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read message")
		return
	}
	respondJSON(w, http.StatusOK, MessageResponse{
		MessageID:   item.ID,
		CommandID:   item.CommandID,
		CommandType: item.CommandType,
		Status:      string(item.Status),
		Attempt:     item.Attempt,
		CreatedAt:   item.CreatedAt,
		CompletedAt: item.CompletedAt,
		LastError:   item.LastError,
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
