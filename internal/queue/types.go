package queue

import (
	"errors"
	"time"

	"github.com/mattjoyce/conductor/internal/command"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Item is one queued Message and its handling state.
type Item struct {
	ID          string
	CommandID   string
	CommandType string
	Message     command.Message
	Status      Status
	Attempt     int
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

var (
	ErrDuplicate = errors.New("message already queued")
	ErrNotFound  = errors.New("queue item not found")
)
