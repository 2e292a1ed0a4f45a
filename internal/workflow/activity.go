package workflow

import (
	"context"
)

// Activity is a named, typed, idempotent operation. Implementations must be
// safe for at-least-once invocation.
type Activity[I any, O any] interface {
	Name() string
	Run(ctx context.Context, in I) (O, error)
}

// NewActivity creates an Activity from a stable name and a function.
func NewActivity[I, O any](name string, fn func(context.Context, I) (O, error)) Activity[I, O] {
	return &activityFunc[I, O]{name: name, fn: fn}
}

type activityFunc[I, O any] struct {
	name string
	fn   func(context.Context, I) (O, error)
}

func (a *activityFunc[I, O]) Name() string                             { return a.name }
func (a *activityFunc[I, O]) Run(ctx context.Context, in I) (O, error) { return a.fn(ctx, in) }

// AttemptObserver is notified after every activity attempt.
type AttemptObserver func(activity string, attempt int, err error)

// execute runs a under policy. Permanent errors are returned unwrapped after
// the first attempt; exhausted retries return *ActivityError; a cancelled ctx
// returns an abort error.
func execute[I, O any](ctx context.Context, e *Engine, a Activity[I, O], in I, policy RetryPolicy) (O, error) {
	var zero O
	p := policy.normalized()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &abortError{err: err}
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		out, err := a.Run(actx, in)
		cancel()
		e.observeAttempt(a.Name(), attempt, err)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, &abortError{err: ctx.Err()}
		}
		if IsPermanent(err) {
			return zero, err
		}
		lastErr = err
		e.logger.Debug("activity attempt failed",
			"activity", a.Name(), "attempt", attempt, "max_attempts", p.MaxAttempts, "error", err)
		if attempt < p.MaxAttempts {
			if err := e.sleep(ctx, policy.Backoff(attempt)); err != nil {
				return zero, &abortError{err: err}
			}
		}
	}
	return zero, &ActivityError{Activity: a.Name(), Attempts: p.MaxAttempts, Err: lastErr}
}
