package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Failure is the persisted form of an error. It keeps the error's kind and
// structured detail so callers can classify it after a restart exactly as
// they would the original error.
type Failure struct {
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (f *Failure) Error() string { return f.Message }

// FailureKind returns the kind recorded with the failure.
func (f *Failure) FailureKind() string { return f.Kind }

// FailureDetail returns the raw detail, or nil when none was recorded.
func (f *Failure) FailureDetail() any {
	if len(f.Detail) == 0 {
		return nil
	}
	return f.Detail
}

// DecodeDetail unmarshals the recorded detail into v.
func (f *Failure) DecodeDetail(v any) error {
	if len(f.Detail) == 0 {
		return fmt.Errorf("failure has no detail")
	}
	return json.Unmarshal(f.Detail, v)
}

// Kinded errors contribute a kind to their Failure.
type Kinded interface {
	FailureKind() string
}

// Detailed errors contribute a JSON detail to their Failure.
type Detailed interface {
	FailureDetail() any
}

// NewFailure converts err into its persisted form.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var existing *Failure
	if errors.As(err, &existing) && existing.Error() == err.Error() {
		cp := *existing
		return &cp
	}

	f := &Failure{Message: err.Error()}
	var k Kinded
	if errors.As(err, &k) {
		f.Kind = k.FailureKind()
	}
	var d Detailed
	if errors.As(err, &d) {
		if v := d.FailureDetail(); v != nil {
			if raw, mErr := json.Marshal(v); mErr == nil && string(raw) != "null" {
				f.Detail = raw
			}
		}
	}
	return f
}
