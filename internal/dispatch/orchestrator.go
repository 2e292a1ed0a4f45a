package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/resolver"
	"github.com/mattjoyce/conductor/internal/sink"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// WorkflowName is the registered name of the dispatch workflow.
const WorkflowName = "dispatch-command"

// Activity names as they appear in logs and metrics.
const (
	ActivityMarkRunning = "mark-command-running"
	ActivityResolve     = "resolve-command-type"
	ActivityDeliver     = "deliver-command-result"
)

// Policies are the retry policies of the dispatch activities.
type Policies struct {
	MarkRunning workflow.RetryPolicy
	Resolve     workflow.RetryPolicy
	Deliver     workflow.RetryPolicy
}

// DefaultPolicies gives type resolution 10 attempts and everything else
// the engine default.
func DefaultPolicies() Policies {
	resolve := workflow.DefaultRetryPolicy()
	resolve.MaxAttempts = 10
	return Policies{
		MarkRunning: workflow.DefaultRetryPolicy(),
		Resolve:     resolve,
		Deliver:     workflow.DefaultRetryPolicy(),
	}
}

// Handler executes one command inside its own child workflow. The returned
// output becomes the result output.
type Handler func(wctx *workflow.Context, cmd command.Command) (json.RawMessage, error)

// HandlerWorkflow registers h under name. The resolver maps command types
// to this name.
func HandlerWorkflow(name string, h Handler) workflow.Definition {
	return workflow.Func[command.Command, json.RawMessage](name, h)
}

// MessageInstanceID is the dispatch instance id for a message.
func MessageInstanceID(messageID string) string { return "message/" + messageID }

// CommandInstanceID is the handler instance id for a command. Every
// dispatch of the same command shares it.
func CommandInstanceID(commandID string) string { return "command/" + commandID }

type delivery struct {
	Message command.Message
	Result  command.Result
	// Detached results belong to the message only and leave the stored
	// result of the command untouched.
	Detached bool `json:",omitempty"`
}

// Orchestrator owns the dispatch-command workflow.
type Orchestrator struct {
	resolver *resolver.Resolver
	results  ResultStore
	sink     sink.Sink
	policies Policies
	events   *events.Hub
	metrics  *metrics.Metrics

	markRunning workflow.Activity[string, command.Status]
	resolve     workflow.Activity[string, string]
	deliver     workflow.Activity[delivery, command.Result]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicies overrides activity retry policies.
func WithPolicies(p Policies) Option {
	return func(o *Orchestrator) { o.policies = p }
}

// WithEvents publishes command lifecycle events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(o *Orchestrator) { o.events = hub }
}

// WithMetrics records resolutions and finished commands.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(r *resolver.Resolver, results ResultStore, s sink.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: r,
		results:  results,
		sink:     s,
		policies: DefaultPolicies(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.markRunning = workflow.NewActivity(ActivityMarkRunning, o.markRunningActivity)
	o.resolve = workflow.NewActivity(ActivityResolve, o.resolveActivity)
	o.deliver = workflow.NewActivity(ActivityDeliver, o.deliverActivity)
	return o
}

// Definition returns the dispatch-command workflow.
func (o *Orchestrator) Definition() workflow.Definition {
	return workflow.Func(WorkflowName, o.run)
}

func (o *Orchestrator) run(wctx *workflow.Context, msg command.Message) (command.Result, error) {
	cmd := msg.Command
	if cmd.ID == "" {
		return command.Result{}, &command.ValidationError{Field: "command.id", Reason: "is required"}
	}
	result := command.Result{CommandID: cmd.ID}

	if _, err := workflow.CallActivity(wctx, o.markRunning, cmd.ID, o.policies.MarkRunning); err != nil {
		if workflow.IsSuspended(err) {
			return command.Result{}, err
		}
		result.Errors = append(result.Errors, command.DetailFor(err))
	}

	out, err := o.execute(wctx, cmd)
	switch {
	case workflow.IsSuspended(err):
		return command.Result{}, err
	case err != nil:
		wctx.Logger().Warn("command failed", "command_id", cmd.ID, "command_type", cmd.Type, "error", err)
		result.Errors = append(result.Errors, command.DetailFor(err))
	default:
		result.Output = out
	}

	result.Status = command.StatusCompleted
	if len(result.Errors) > 0 {
		result.Status = command.StatusFailed
	}
	d := delivery{Message: msg, Result: result, Detached: workflow.IsConflict(err)}
	return workflow.CallActivity(wctx, o.deliver, d, o.policies.Deliver)
}

// execute resolves the command type and runs its handler. An ignored type
// produces no output and no error.
func (o *Orchestrator) execute(wctx *workflow.Context, cmd command.Command) (json.RawMessage, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	handler, err := workflow.CallActivity(wctx, o.resolve, cmd.Type, o.policies.Resolve)
	if err != nil {
		return nil, err
	}
	if handler == "" {
		wctx.Logger().Info("command type ignored", "command_id", cmd.ID, "command_type", cmd.Type)
		return nil, nil
	}
	return workflow.CallChild[json.RawMessage](wctx, handler, CommandInstanceID(cmd.ID), cmd)
}

func (o *Orchestrator) markRunningActivity(ctx context.Context, commandID string) (command.Status, error) {
	r, err := o.results.MarkRunning(ctx, commandID)
	if err != nil {
		return command.StatusUnknown, err
	}
	o.publish(events.CommandRunning, map[string]any{"command_id": commandID, "status": r.Status})
	return r.Status, nil
}

func (o *Orchestrator) resolveActivity(_ context.Context, commandType string) (string, error) {
	handler, match, err := o.resolver.Explain(commandType)
	o.metrics.Resolution(string(match.Outcome))
	return handler, err
}

func (o *Orchestrator) deliverActivity(ctx context.Context, d delivery) (command.Result, error) {
	final := d.Result
	if !d.Detached {
		var err error
		if final, err = o.results.Finish(ctx, d.Result); err != nil {
			return command.Result{}, fmt.Errorf("persist result: %w", err)
		}
		o.publish(events.CommandFinished, final)
	}

	if err := o.sink.Deliver(ctx, d.Message, final); err != nil {
		return command.Result{}, err
	}
	o.metrics.CommandFinished(string(final.Status))
	o.publish(events.CommandDelivered, map[string]any{
		"command_id": final.CommandID,
		"message_id": d.Message.ID,
		"status":     final.Status,
	})
	return final, nil
}

func (o *Orchestrator) publish(eventType string, data any) {
	if o.events != nil {
		o.events.Publish(eventType, data)
	}
}

// VerifyHandlers checks that every handler name is registered with the
// engine, so no resolution can name a workflow that does not exist.
func VerifyHandlers(e *workflow.Engine, names []string) error {
	var missing []string
	for _, name := range names {
		if !e.Registered(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("handlers not registered: %v", missing)
	}
	return nil
}
