package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the persisted lifecycle state of an instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the instance will never advance again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrSuspended is returned from workflow code when the instance must wait
	// for a timer or a child. Workflow code must propagate it unchanged.
	ErrSuspended = errors.New("workflow suspended")

	// ErrNotFound is returned when an instance id does not exist.
	ErrNotFound = errors.New("workflow instance not found")

	// ErrUnknownWorkflow is returned when starting an unregistered workflow.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrNondeterministic is returned when replayed code diverges from the
	// recorded history.
	ErrNondeterministic = errors.New("workflow history mismatch")
)

// KindConflict is the failure kind of a child call whose instance id is
// already taken by a different workflow.
const KindConflict = "conflict"

// ConflictError is returned by CallChild when the child id belongs to an
// instance of another workflow.
type ConflictError struct {
	ID        string `json:"id"`
	Workflow  string `json:"workflow"`
	Requested string `json:"requested"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %s already runs workflow %q, cannot start %q", e.ID, e.Workflow, e.Requested)
}

func (e *ConflictError) FailureKind() string { return KindConflict }
func (e *ConflictError) FailureDetail() any  { return e }

// IsConflict reports whether err is a child conflict, live or recorded.
func IsConflict(err error) bool {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}
	var f *Failure
	return errors.As(err, &f) && f.Kind == KindConflict
}

// IsSuspended reports whether err is (or wraps) ErrSuspended.
func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}

// Instance is one persisted workflow execution.
type Instance struct {
	ID          string          `json:"id"`
	Workflow    string          `json:"workflow"`
	Status      Status          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Checkpoint  json.RawMessage `json:"checkpoint,omitempty"`
	WakeAt      *time.Time      `json:"wake_at,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	AwaitID     string          `json:"await_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	Advances    int             `json:"advances"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Outcome decodes the result of a terminal instance into O, or returns its
// failure.
func Outcome[O any](inst *Instance) (O, error) {
	var out O
	switch inst.Status {
	case StatusCompleted:
		if len(inst.Result) > 0 {
			if err := json.Unmarshal(inst.Result, &out); err != nil {
				return out, fmt.Errorf("decode result of %s: %w", inst.ID, err)
			}
		}
		return out, nil
	case StatusFailed:
		if inst.Failure == nil {
			return out, &Failure{Message: "workflow failed"}
		}
		return out, inst.Failure
	default:
		return out, fmt.Errorf("instance %s is %s", inst.ID, inst.Status)
	}
}

// EventKind tags one entry of a replay workflow's history.
type EventKind string

const (
	EventActivity EventKind = "activity"
	EventTimer    EventKind = "timer"
	EventChild    EventKind = "child"
)

// HistoryEvent is the recorded outcome of one step of a replay workflow.
type HistoryEvent struct {
	InstanceID string
	Seq        int
	Kind       EventKind
	Name       string
	Result     json.RawMessage
	Failure    *Failure
	FireAt     *time.Time
	RecordedAt time.Time
}
