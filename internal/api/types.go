package api

import (
	"time"

	"github.com/mattjoyce/conductor/internal/command"
)

// SubmitRequest is the JSON body for POST /commands. ID is the message id
// and is generated when empty.
type SubmitRequest struct {
	ID          string          `json:"id,omitempty"`
	Command     command.Command `json:"command"`
	Provider    string          `json:"provider,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// SubmitResponse is returned when a message is queued.
type SubmitResponse struct {
	MessageID string `json:"message_id"`
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// MessageResponse is returned by GET /messages/{messageID}.
type MessageResponse struct {
	MessageID   string     `json:"message_id"`
	CommandID   string     `json:"command_id"`
	CommandType string     `json:"command_type"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
