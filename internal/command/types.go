package command

import (
	"encoding/json"
	"strings"
	"time"
)

// Command is an immutable request for work. Type is the runtime type used
// for dispatch; ResultType names the shape of the output a handler produces.
type Command struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResultType string          `json:"result_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the fields every command must carry.
func (c Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return &ValidationError{Field: "command.id", Reason: "is required"}
	}
	if strings.TrimSpace(c.Type) == "" {
		return &ValidationError{Field: "command.type", Reason: "is required"}
	}
	if len(c.Payload) > 0 && !json.Valid(c.Payload) {
		return &ValidationError{Field: "command.payload", Reason: "must be valid JSON"}
	}
	return nil
}

// Message wraps a Command with its delivery envelope.
type Message struct {
	ID          string    `json:"id"`
	Command     Command   `json:"command"`
	Provider    string    `json:"provider,omitempty"`
	CallbackURL string    `json:"callback_url,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Validate checks the envelope and the wrapped command.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	return m.Command.Validate()
}

// Status is the lifecycle state of a command result.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. Re-applying the current status is allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ErrorDetail is one entry of a result's ordered error list.
type ErrorDetail struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Result is the externally visible outcome of one command.
type Result struct {
	CommandID    string          `json:"command_id"`
	Status       Status          `json:"status"`
	CustomStatus string          `json:"custom_status,omitempty"`
	Errors       []ErrorDetail   `json:"errors,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Succeeded reports whether the result finished without errors.
func (r Result) Succeeded() bool {
	return r.Status == StatusCompleted && len(r.Errors) == 0
}
