package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/workflow"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/mattjoyce/conductor/internal/deployment Provider

// Provider is the external deployment API. Every method must be idempotent:
// the machine may call it again after a crash or a retry.
type Provider interface {
	// Start launches the named activity and returns the resource id it
	// created. An empty id means nothing was created.
	Start(ctx context.Context, activity string, input json.RawMessage) (string, error)
	GetState(ctx context.Context, resourceID string) (State, error)
	GetErrors(ctx context.Context, resourceID string) ([]string, error)
	GetOutput(ctx context.Context, resourceID string) (json.RawMessage, error)
	Delete(ctx context.Context, resourceID string) error
}

// Descriptor identifies one deployment. With the phase and recorded activity
// results it is the whole durable state of a machine.
type Descriptor struct {
	StartActivity string          `json:"start_activity"`
	StartInput    json.RawMessage `json:"start_input,omitempty"`
	ResourceID    string          `json:"resource_id,omitempty"`
	Delete        bool            `json:"delete,omitempty"`
}

// Validate rejects descriptors that can make no progress.
func (d Descriptor) Validate() error {
	if d.ResourceID == "" && strings.TrimSpace(d.StartActivity) == "" {
		return &command.ValidationError{Field: "start_activity", Reason: "is required when no resource id is given"}
	}
	if len(d.StartInput) > 0 && !json.Valid(d.StartInput) {
		return &command.ValidationError{Field: "start_input", Reason: "must be valid JSON"}
	}
	return nil
}

// State is the provider-reported state of a deployment, derived per poll.
type State string

const (
	StateUnknown   State = "unknown"
	StateAccepted  State = "accepted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// ParseState classifies a provider state string case-insensitively.
// Anything unrecognised is StateUnknown.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "created", "creating", "queued":
		return StateAccepted
	case "running", "updating", "inprogress", "in_progress", "deploying":
		return StateRunning
	case "succeeded", "success", "completed", "complete", "ready":
		return StateSucceeded
	case "failed", "failure", "error":
		return StateFailed
	case "canceled", "cancelled":
		return StateCanceled
	default:
		return StateUnknown
	}
}

// Terminal reports whether the provider has finished with the deployment.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// IsError reports whether the deployment ended badly.
func (s State) IsError() bool {
	return s == StateFailed || s == StateCanceled
}

// DeploymentError is the failure a machine ends with when the provider
// reports an error state.
type DeploymentError struct {
	ResourceID string   `json:"resource_id"`
	Messages   []string `json:"messages"`
}

func (e *DeploymentError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("deployment %s failed", e.ResourceID)
	}
	return fmt.Sprintf("deployment %s failed: %s", e.ResourceID, strings.Join(e.Messages, "; "))
}

func (e *DeploymentError) FailureKind() string { return command.KindDeployment }
func (e *DeploymentError) FailureDetail() any  { return e }

// AsDeploymentError recovers a *DeploymentError from a live error or from
// its persisted workflow failure.
func AsDeploymentError(err error) (*DeploymentError, bool) {
	var de *DeploymentError
	if errors.As(err, &de) {
		return de, true
	}
	var f *workflow.Failure
	if errors.As(err, &f) && f.Kind == command.KindDeployment {
		de = &DeploymentError{}
		if f.DecodeDetail(de) == nil {
			return de, true
		}
	}
	return nil, false
}

// Timing holds the machine's timer settings.
type Timing struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
	// MaxStalls bounds how many times an exhausted activity is retried
	// after a poll interval before the machine abandons the resource and
	// moves to cleanup.
	MaxStalls int `yaml:"max_stalls"`
}

// DefaultTiming polls every 30 seconds and keeps failed resources for
// seven days before deleting them.
func DefaultTiming() Timing {
	return Timing{
		PollInterval: 30 * time.Second,
		Retention:    7 * 24 * time.Hour,
		MaxStalls:    10,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.Retention <= 0 {
		t.Retention = d.Retention
	}
	if t.MaxStalls < 0 {
		t.MaxStalls = 0
	} else if t.MaxStalls == 0 {
		t.MaxStalls = d.MaxStalls
	}
	return t
}

// Policies are the retry policies of the machine's activities.
type Policies struct {
	Start  workflow.RetryPolicy
	State  workflow.RetryPolicy
	Errors workflow.RetryPolicy
	Output workflow.RetryPolicy
	Delete workflow.RetryPolicy
}

// DefaultPolicies retries each provider call five times with exponential
// backoff.
func DefaultPolicies() Policies {
	p := workflow.DefaultRetryPolicy()
	return Policies{Start: p, State: p, Errors: p, Output: p, Delete: p}
}
