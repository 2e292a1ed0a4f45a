package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Func adapts a replay workflow function into a Definition.
func Func[I, O any](name string, fn func(wctx *Context, in I) (O, error)) Definition {
	return &replayDef[I, O]{name: name, fn: fn}
}

type replayDef[I, O any] struct {
	name string
	fn   func(*Context, I) (O, error)
}

func (d *replayDef[I, O]) Name() string { return d.name }

func (d *replayDef[I, O]) Advance(ctx context.Context, x *Execution) error {
	var in I
	if err := x.DecodeInput(&in); err != nil {
		x.Fail(fmt.Errorf("decode input: %w", err))
		return nil
	}
	history, err := x.engine.store.History(ctx, x.ID())
	if err != nil {
		return err
	}

	wctx := &Context{ctx: ctx, x: x, history: history}
	out, err := d.fn(wctx, in)
	switch {
	case wctx.abort != nil:
		return wctx.abort
	case wctx.fatal != nil:
		x.Fail(wctx.fatal)
		return nil
	case IsSuspended(err):
		if x.outcome != outcomeSleep && x.outcome != outcomeAwait {
			x.Fail(fmt.Errorf("workflow suspended without a pending timer or child"))
		}
		return nil
	case err != nil:
		x.Fail(err)
		return nil
	case x.outcome == outcomeSleep || x.outcome == outcomeAwait:
		// The suspension was swallowed; the wait still stands.
		return nil
	}
	return x.Complete(out)
}

// Context is the handle a replay workflow uses to call activities, sleep,
// and start children. Each call consumes the next sequence number.
type Context struct {
	ctx     context.Context
	x       *Execution
	history map[int]HistoryEvent
	seq     int

	abort error
	fatal error
}

// ID is the instance id.
func (c *Context) ID() string { return c.x.ID() }

// Context returns the engine context for pure helpers that need
// cancellation.
func (c *Context) Context() context.Context { return c.ctx }

// Logger is scoped to this instance.
func (c *Context) Logger() *slog.Logger { return c.x.logger }

// Now is the engine clock. It is not replay-stable; use Sleep for timing.
func (c *Context) Now() time.Time { return c.x.Now() }

// Replaying reports whether the next step already has a recorded outcome.
func (c *Context) Replaying() bool {
	_, ok := c.history[c.seq+1]
	return ok
}

func (c *Context) next(kind EventKind, name string) (int, *HistoryEvent, error) {
	c.seq++
	ev, ok := c.history[c.seq]
	if !ok {
		return c.seq, nil, nil
	}
	if ev.Kind != kind || ev.Name != name {
		c.fatal = fmt.Errorf("%w: step %d recorded as %s %q, replayed as %s %q",
			ErrNondeterministic, c.seq, ev.Kind, ev.Name, kind, name)
		return c.seq, nil, fmt.Errorf("%w: %v", ErrSuspended, c.fatal)
	}
	return c.seq, &ev, nil
}

func (c *Context) record(ev HistoryEvent) error {
	ev.InstanceID = c.ID()
	ev.RecordedAt = c.x.Now()
	if err := c.x.engine.store.AppendHistory(c.ctx, ev); err != nil {
		c.abort = err
		return fmt.Errorf("%w: %v", ErrSuspended, err)
	}
	c.history[ev.Seq] = ev
	return nil
}

// CallActivity runs a (or replays its recorded outcome). Errors are returned
// as *Failure so live and replayed calls classify identically. Suspension
// errors must be propagated by the caller.
func CallActivity[I, O any](c *Context, a Activity[I, O], in I, policy RetryPolicy) (O, error) {
	var zero O
	seq, ev, err := c.next(EventActivity, a.Name())
	if err != nil {
		return zero, err
	}
	if ev != nil {
		return decodeOutcome[O](ev)
	}

	out, runErr := execute(c.ctx, c.x.engine, a, in, policy)
	if runErr != nil && isAbort(runErr) {
		c.abort = runErr
		return zero, fmt.Errorf("%w: %v", ErrSuspended, runErr)
	}

	rec := HistoryEvent{Seq: seq, Kind: EventActivity, Name: a.Name()}
	if runErr != nil {
		rec.Failure = NewFailure(runErr)
	} else {
		raw, mErr := json.Marshal(out)
		if mErr != nil {
			rec.Failure = NewFailure(fmt.Errorf("encode %s result: %w", a.Name(), mErr))
		} else {
			rec.Result = raw
		}
	}
	if err := c.record(rec); err != nil {
		return zero, err
	}
	return decodeOutcome[O](&rec)
}

// Sleep durably waits for d. The wake time is fixed the first time the step
// runs, so replays after a restart wake at the original time.
func (c *Context) Sleep(d time.Duration) error {
	seq, ev, err := c.next(EventTimer, "sleep")
	if err != nil {
		return err
	}
	now := c.x.Now()
	if ev == nil {
		fire := now.Add(d)
		if err := c.record(HistoryEvent{Seq: seq, Kind: EventTimer, Name: "sleep", FireAt: &fire}); err != nil {
			return err
		}
		ev = &HistoryEvent{FireAt: &fire}
	}
	if ev.FireAt == nil || !now.Before(*ev.FireAt) {
		return nil
	}
	c.x.SleepUntil(*ev.FireAt)
	return ErrSuspended
}

// CallChild runs workflow as a child instance and returns its result. An
// empty id derives one from the parent id and the step number. A child with
// the same id that already exists is awaited instead of started again; if it
// runs a different workflow the call fails with a recorded conflict.
func CallChild[O any](c *Context, workflow, id string, input any) (O, error) {
	var zero O
	seq, ev, err := c.next(EventChild, workflow)
	if err != nil {
		return zero, err
	}
	if ev != nil {
		return decodeOutcome[O](ev)
	}
	if id == "" {
		id = fmt.Sprintf("%s/%s-%d", c.ID(), workflow, seq)
	}

	child, err := c.x.engine.store.Get(c.ctx, id)
	if errors.Is(err, ErrNotFound) {
		child, err = c.x.StartChild(c.ctx, workflow, id, input)
	}
	if err == nil && child.Workflow != workflow {
		err = &ConflictError{ID: id, Workflow: child.Workflow, Requested: workflow}
	}
	if err != nil {
		var conflict *ConflictError
		if errors.Is(err, ErrUnknownWorkflow) || errors.As(err, &conflict) {
			// Neither a missing definition nor a taken id clears on retry.
			rec := HistoryEvent{Seq: seq, Kind: EventChild, Name: workflow, Failure: NewFailure(err)}
			if rErr := c.record(rec); rErr != nil {
				return zero, rErr
			}
			return zero, rec.Failure
		}
		c.abort = err
		return zero, fmt.Errorf("%w: %v", ErrSuspended, err)
	}

	if !child.Status.Terminal() {
		c.x.AwaitChild(child.ID)
		return zero, ErrSuspended
	}

	rec := HistoryEvent{Seq: seq, Kind: EventChild, Name: workflow, Result: child.Result, Failure: child.Failure}
	if child.Status == StatusFailed && rec.Failure == nil {
		rec.Failure = &Failure{Message: "child workflow failed"}
	}
	if err := c.record(rec); err != nil {
		return zero, err
	}
	return decodeOutcome[O](&rec)
}

func decodeOutcome[O any](ev *HistoryEvent) (O, error) {
	var out O
	if ev.Failure != nil {
		return out, ev.Failure
	}
	if len(ev.Result) > 0 {
		if err := json.Unmarshal(ev.Result, &out); err != nil {
			return out, fmt.Errorf("decode recorded %s %q: %w", ev.Kind, ev.Name, err)
		}
	}
	return out, nil
}
