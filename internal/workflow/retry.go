package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls how an activity is retried. A zero field takes the
// DefaultRetryPolicy value, except InitialBackoff which may be set to a
// negative value to retry immediately.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultRetryPolicy is used for fields left unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Backoff is the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 || p.InitialBackoff == 0 {
		return 0
	}
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, declares itself
// permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// ActivityError is returned when an activity exhausts its attempts.
type ActivityError struct {
	Activity string
	Attempts int
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Activity, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// abortError marks an activity that stopped because the engine context was
// cancelled. It is never recorded as an outcome.
type abortError struct{ err error }

func (e *abortError) Error() string { return "activity aborted: " + e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func isAbort(err error) bool {
	var a *abortError
	return errors.As(err, &a)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
