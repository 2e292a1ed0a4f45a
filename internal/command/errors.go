package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds recorded in Result.Errors.
const (
	KindValidation  = "validation"
	KindUnsupported = "unsupported_command"
	KindDeployment  = "deployment"
	KindTransient   = "transient"
	KindConflict    = "conflict"
	KindUnhandled   = "unhandled"
)

// ErrNotFound is returned when no result exists for a command id.
var ErrNotFound = errors.New("command result not found")

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) FailureKind() string { return KindValidation }
func (e *ValidationError) Permanent() bool     { return true }

// UnsupportedCommandError is returned when a command type has no
// registration, no ignore entry, and no matching ancestor or interface.
type UnsupportedCommandError struct {
	Type string `json:"type"`
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("unsupported command type %q", e.Type)
}

func (e *UnsupportedCommandError) FailureKind() string { return KindUnsupported }
func (e *UnsupportedCommandError) FailureDetail() any  { return e }
func (e *UnsupportedCommandError) Permanent() bool     { return true }

// kinded and detailed are satisfied by domain errors and by persisted
// workflow failures, so live and replayed errors classify the same way.
type kinded interface {
	FailureKind() string
}

type detailed interface {
	FailureDetail() any
}

// DetailFor converts err into a result error entry. Errors without a kind
// are recorded as unhandled.
func DetailFor(err error) ErrorDetail {
	d := ErrorDetail{Kind: KindUnhandled, Message: err.Error()}

	var k kinded
	if errors.As(err, &k) {
		if kind := k.FailureKind(); kind != "" {
			d.Kind = kind
		}
	}
	var dt detailed
	if errors.As(err, &dt) {
		if v := dt.FailureDetail(); v != nil {
			if raw, mErr := json.Marshal(v); mErr == nil && string(raw) != "null" {
				d.Detail = raw
			}
		}
	}
	return d
}
