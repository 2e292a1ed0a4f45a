package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/log"
)

// Definition advances one instance of a named workflow.
type Definition interface {
	Name() string
	Advance(ctx context.Context, x *Execution) error
}

// Hooks observe engine activity. Nil fields are skipped.
type Hooks struct {
	// OnAttempt runs after every activity attempt.
	OnAttempt AttemptObserver
	// OnAdvance runs after an advance has been persisted.
	OnAdvance func(inst *Instance, elapsed time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timers.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithRetrySleep replaces the wait between activity attempts.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithAdvanceRetryDelay sets how long an instance waits after an advance
// fails for infrastructure reasons (storage errors, shutdown).
func WithAdvanceRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// Engine owns the registered workflow definitions and advances instances.
type Engine struct {
	store      *Store
	clock      Clock
	logger     *slog.Logger
	hooks      Hooks
	sleep      func(ctx context.Context, d time.Duration) error
	retryDelay time.Duration
	maxBatch   int

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewEngine creates an engine over store.
func NewEngine(store *Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		clock:      SystemClock(),
		logger:     log.WithComponent("workflow"),
		sleep:      sleepCtx,
		retryDelay: 5 * time.Second,
		maxBatch:   1000,
		defs:       map[string]Definition{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds workflow definitions. Names must be unique.
func (e *Engine) Register(defs ...Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range defs {
		name := d.Name()
		if name == "" {
			return fmt.Errorf("workflow definition without name")
		}
		if _, ok := e.defs[name]; ok {
			return fmt.Errorf("workflow %q already registered", name)
		}
		e.defs[name] = d
	}
	return nil
}

// Registered reports whether a workflow name is known.
func (e *Engine) Registered(name string) bool {
	_, ok := e.definition(name)
	return ok
}

func (e *Engine) definition(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[name]
	return d, ok
}

// Now is the engine clock.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Store exposes the underlying store.
func (e *Engine) Store() *Store {
	return e.store
}

// Start creates an instance of workflow with the given id. Starting an id
// that already exists returns the existing instance and created=false; the
// existing instance must belong to the same workflow.
func (e *Engine) Start(ctx context.Context, workflow, id string, input any) (*Instance, bool, error) {
	return e.start(ctx, workflow, id, "", input)
}

func (e *Engine) start(ctx context.Context, workflow, id, parentID string, input any) (*Instance, bool, error) {
	if !e.Registered(workflow) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflow)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, false, fmt.Errorf("encode input for %s: %w", id, err)
	}
	inst, created, err := e.store.Create(ctx, &Instance{
		ID:        id,
		Workflow:  workflow,
		Input:     raw,
		ParentID:  parentID,
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		return nil, false, err
	}
	if inst.Workflow != workflow {
		return nil, false, fmt.Errorf("instance %s already exists as workflow %q, not %q", id, inst.Workflow, workflow)
	}
	if created {
		e.logger.Debug("instance started", "workflow", workflow, "instance_id", id, "parent_id", parentID)
	}
	return inst, created, nil
}

// Get loads an instance.
func (e *Engine) Get(ctx context.Context, id string) (*Instance, error) {
	return e.store.Get(ctx, id)
}

// Recover resets instances abandoned in the running state.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	return e.store.RecoverRunning(ctx, e.clock.Now())
}

// Prune deletes terminal instances that finished before cutoff.
func (e *Engine) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return e.store.PruneTerminal(ctx, cutoff)
}

// RunDue advances due instances until none remain or ctx is done. It
// returns how many advances ran.
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	n := 0
	for n < e.maxBatch {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		inst, err := e.store.ClaimDue(ctx, e.clock.Now())
		if err != nil {
			return n, err
		}
		if inst == nil {
			return n, nil
		}
		n++
		if err := e.advance(ctx, inst); err != nil {
			return n, err
		}
	}
	return n, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeComplete
	outcomeFail
	outcomeSleep
	outcomeAwait
)

// advance runs one claimed instance and persists the outcome. Only storage
// errors are returned; workflow errors end up on the instance.
func (e *Engine) advance(ctx context.Context, inst *Instance) error {
	started := time.Now()
	logger := log.WithInstance(inst.Workflow, inst.ID)
	x := &Execution{engine: e, inst: inst, logger: logger}

	def, ok := e.definition(inst.Workflow)
	var err error
	if !ok {
		x.Fail(fmt.Errorf("%w: %s", ErrUnknownWorkflow, inst.Workflow))
	} else {
		err = e.safeAdvance(ctx, def, x)
	}

	now := e.clock.Now()
	switch {
	case err != nil:
		logger.Warn("advance interrupted, will retry", "error", err)
		wake := now.Add(e.retryDelay)
		inst.Status = StatusPending
		inst.WakeAt = &wake
	case x.outcome == outcomeNone:
		x.Fail(fmt.Errorf("workflow %s returned without an outcome", inst.Workflow))
	}

	if err == nil {
		switch x.outcome {
		case outcomeComplete:
			inst.Status = StatusCompleted
			inst.Result = x.result
			inst.WakeAt, inst.AwaitID, inst.CompletedAt = nil, "", &now
		case outcomeFail:
			inst.Status = StatusFailed
			inst.Failure = x.failure
			inst.WakeAt, inst.AwaitID, inst.CompletedAt = nil, "", &now
			logger.Info("instance failed", "error", x.failure.Message, "kind", x.failure.Kind)
		case outcomeSleep:
			wake := x.wakeAt
			inst.Status = StatusWaiting
			inst.WakeAt, inst.AwaitID = &wake, ""
		case outcomeAwait:
			inst.Status = StatusWaiting
			inst.WakeAt, inst.AwaitID = nil, x.awaitID
		}
	}
	inst.Advances++
	inst.UpdatedAt = now

	// Persist with a context that survives shutdown so the claim is released.
	saveCtx := context.WithoutCancel(ctx)
	if sErr := e.store.Save(saveCtx, inst); sErr != nil {
		return sErr
	}

	if inst.Status.Terminal() {
		if _, wErr := e.store.WakeAwaiting(saveCtx, inst.ID, now); wErr != nil {
			return wErr
		}
	}
	if inst.Status == StatusWaiting && inst.AwaitID != "" {
		// The child may have finished between the check and the save.
		child, gErr := e.store.Get(saveCtx, inst.AwaitID)
		if gErr != nil {
			return gErr
		}
		if child.Status.Terminal() {
			if _, wErr := e.store.WakeAwaiting(saveCtx, child.ID, now); wErr != nil {
				return wErr
			}
		}
	}

	if e.hooks.OnAdvance != nil {
		e.hooks.OnAdvance(inst, time.Since(started))
	}
	logger.Debug("instance advanced", "status", inst.Status, "advances", inst.Advances)
	return nil
}

func (e *Engine) safeAdvance(ctx context.Context, def Definition, x *Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("workflow panicked", "panic", r, "stack", string(debug.Stack()))
			x.Fail(fmt.Errorf("workflow panicked: %v", r))
			err = nil
		}
	}()
	return def.Advance(ctx, x)
}

func (e *Engine) observeAttempt(activity string, attempt int, err error) {
	if e.hooks.OnAttempt != nil {
		e.hooks.OnAttempt(activity, attempt, err)
	}
}

// Execution is the handle a Definition uses during one advance.
type Execution struct {
	engine *Engine
	inst   *Instance
	logger *slog.Logger

	outcome outcome
	result  json.RawMessage
	failure *Failure
	wakeAt  time.Time
	awaitID string
}

func (x *Execution) ID() string                  { return x.inst.ID }
func (x *Execution) Workflow() string            { return x.inst.Workflow }
func (x *Execution) Input() json.RawMessage      { return x.inst.Input }
func (x *Execution) Checkpoint() json.RawMessage { return x.inst.Checkpoint }
func (x *Execution) Logger() *slog.Logger        { return x.logger }
func (x *Execution) Now() time.Time              { return x.engine.clock.Now() }

// DecodeInput unmarshals the instance input into v.
func (x *Execution) DecodeInput(v any) error {
	if len(x.inst.Input) == 0 {
		return nil
	}
	return json.Unmarshal(x.inst.Input, v)
}

// SaveCheckpoint persists v as the instance checkpoint immediately.
func (x *Execution) SaveCheckpoint(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := x.engine.store.SaveCheckpoint(ctx, x.inst.ID, raw, x.engine.clock.Now()); err != nil {
		return err
	}
	x.inst.Checkpoint = raw
	return nil
}

// Complete ends the instance with result v.
func (x *Execution) Complete(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	x.outcome, x.result = outcomeComplete, raw
	return nil
}

// Fail ends the instance with err.
func (x *Execution) Fail(err error) {
	if err == nil {
		err = errors.New("workflow failed")
	}
	x.outcome, x.failure = outcomeFail, NewFailure(err)
}

// SleepUntil parks the instance until t.
func (x *Execution) SleepUntil(t time.Time) {
	x.outcome, x.wakeAt = outcomeSleep, t
}

// AwaitChild parks the instance until the child instance terminates.
func (x *Execution) AwaitChild(id string) {
	x.outcome, x.awaitID = outcomeAwait, id
}

// StartChild creates (or finds) a child instance owned by this execution.
func (x *Execution) StartChild(ctx context.Context, workflow, id string, input any) (*Instance, error) {
	inst, _, err := x.engine.start(ctx, workflow, id, x.inst.ID, input)
	return inst, err
}

// RunActivity executes an activity under policy on behalf of a checkpoint
// workflow. The caller records the result in its own checkpoint.
func RunActivity[I, O any](ctx context.Context, x *Execution, a Activity[I, O], in I, policy RetryPolicy) (O, error) {
	return execute(ctx, x.engine, a, in, policy)
}

// IsAborted reports whether an activity stopped because the engine is
// shutting down. Such errors must be returned from Advance, not recorded.
func IsAborted(err error) bool {
	return isAbort(err)
}
