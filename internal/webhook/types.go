package webhook

import (
	"context"

	"github.com/mattjoyce/conductor/internal/command"
)

// Enqueuer accepts messages for dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg command.Message) (command.Message, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/deploy")
	Path string

	// CommandType is the type of every command this endpoint creates.
	CommandType string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader carries the "sha256=<hex>" or plain hex signature.
	SignatureHeader string

	// IDHeader optionally carries a delivery id used as both the message
	// and the command id.
	IDHeader string

	// Provider and CallbackURL are copied onto every message.
	Provider    string
	CallbackURL string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// TriggerResponse is the JSON response for accepted webhooks.
type TriggerResponse struct {
	MessageID string `json:"message_id"`
	CommandID string `json:"command_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
