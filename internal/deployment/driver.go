package deployment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// WorkflowName is the registered name of the deployment machine.
const WorkflowName = "deployment"

// Activity names as they appear in logs and metrics.
const (
	ActivityStart     = "deployment-start"
	ActivityGetState  = "deployment-get-state"
	ActivityGetErrors = "deployment-get-errors"
	ActivityGetOutput = "deployment-get-output"
	ActivityDelete    = "deployment-delete"
)

type startInput struct {
	Activity string
	Input    json.RawMessage
}

// Machine is the checkpoint workflow that drives one deployment through
// its phases. It holds no per-instance state between advances.
type Machine struct {
	timing   Timing
	policies Policies
	events   *events.Hub
	metrics  *metrics.Metrics

	start     workflow.Activity[startInput, string]
	getState  workflow.Activity[string, State]
	getErrors workflow.Activity[string, []string]
	getOutput workflow.Activity[string, json.RawMessage]
	remove    workflow.Activity[string, struct{}]
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithTiming overrides poll and retention intervals.
func WithTiming(t Timing) MachineOption {
	return func(m *Machine) { m.timing = t.withDefaults() }
}

// WithPolicies overrides activity retry policies.
func WithPolicies(p Policies) MachineOption {
	return func(m *Machine) { m.policies = p }
}

// WithEvents publishes phase changes to hub.
func WithEvents(hub *events.Hub) MachineOption {
	return func(m *Machine) { m.events = hub }
}

// WithMetrics records polls and outcomes.
func WithMetrics(mt *metrics.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = mt }
}

// NewMachine binds the machine to a provider.
func NewMachine(p Provider, opts ...MachineOption) *Machine {
	m := &Machine{
		timing:   DefaultTiming(),
		policies: DefaultPolicies(),
		start: workflow.NewActivity(ActivityStart, func(ctx context.Context, in startInput) (string, error) {
			return p.Start(ctx, in.Activity, in.Input)
		}),
		getState:  workflow.NewActivity(ActivityGetState, p.GetState),
		getErrors: workflow.NewActivity(ActivityGetErrors, p.GetErrors),
		getOutput: workflow.NewActivity(ActivityGetOutput, p.GetOutput),
		remove: workflow.NewActivity(ActivityDelete, func(ctx context.Context, id string) (struct{}, error) {
			return struct{}{}, p.Delete(ctx, id)
		}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements workflow.Definition.
func (m *Machine) Name() string { return WorkflowName }

// Advance performs pending effects until the machine has to wait or is
// done. The record is checkpointed after every effect.
func (m *Machine) Advance(ctx context.Context, x *workflow.Execution) error {
	rec, err := m.load(x)
	if err != nil {
		x.Fail(err)
		return nil
	}
	logger := x.Logger().With("resource_id", rec.Descriptor.ResourceID)

	for {
		head, ok := rec.Head()
		if !ok {
			x.Fail(fmt.Errorf("deployment record in phase %s has nothing pending", rec.Phase))
			return nil
		}
		if head.Kind == EffectFinish {
			return m.finish(x, rec)
		}
		if head.Kind == EffectWait && x.Now().Before(*head.Until) {
			x.SleepUntil(*head.Until)
			return nil
		}

		ev, err := m.perform(ctx, x, rec, head)
		if err != nil {
			if workflow.IsAborted(err) {
				return err
			}
			logger.Warn("deployment activity exhausted retries", "effect", head.Kind, "error", err)
			ev = Event{Kind: EventActivityFailed, Err: err.Error()}
		}
		ev.At = x.Now()

		prev := rec.Phase
		next, _, err := Next(rec, ev, m.timing)
		if err != nil {
			x.Fail(err)
			return nil
		}
		if err := x.SaveCheckpoint(ctx, next); err != nil {
			return err
		}
		rec = next
		if rec.Phase != prev {
			logger = x.Logger().With("resource_id", rec.Descriptor.ResourceID)
			logger.Info("deployment phase changed", "from", prev, "to", rec.Phase)
			if m.events != nil {
				m.events.Publish(events.DeploymentPhase, map[string]any{
					"instance_id": x.ID(),
					"resource_id": rec.Descriptor.ResourceID,
					"from":        prev,
					"to":          rec.Phase,
				})
			}
		}
	}
}

func (m *Machine) load(x *workflow.Execution) (Record, error) {
	if cp := x.Checkpoint(); len(cp) > 0 {
		var rec Record
		if err := json.Unmarshal(cp, &rec); err != nil {
			return Record{}, fmt.Errorf("decode deployment checkpoint: %w", err)
		}
		return rec, nil
	}
	var desc Descriptor
	if err := x.DecodeInput(&desc); err != nil {
		return Record{}, fmt.Errorf("decode deployment descriptor: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return Record{}, err
	}
	return Begin(desc, x.Now(), m.timing), nil
}

func (m *Machine) perform(ctx context.Context, x *workflow.Execution, rec Record, head Effect) (Event, error) {
	id := rec.Descriptor.ResourceID
	switch head.Kind {
	case EffectWait:
		return Event{Kind: EventTimerFired}, nil
	case EffectStart:
		rid, err := workflow.RunActivity(ctx, x, m.start,
			startInput{Activity: rec.Descriptor.StartActivity, Input: rec.Descriptor.StartInput}, m.policies.Start)
		return Event{Kind: EventStarted, ResourceID: rid}, err
	case EffectGetState:
		m.metrics.DeploymentPolled()
		state, err := workflow.RunActivity(ctx, x, m.getState, id, m.policies.State)
		return Event{Kind: EventStateObserved, State: state}, err
	case EffectGetOutput:
		out, err := workflow.RunActivity(ctx, x, m.getOutput, id, m.policies.Output)
		return Event{Kind: EventOutputFetched, Output: out}, err
	case EffectGetErrors:
		msgs, err := workflow.RunActivity(ctx, x, m.getErrors, id, m.policies.Errors)
		return Event{Kind: EventErrorsFetched, Messages: msgs}, err
	case EffectDelete:
		_, err := workflow.RunActivity(ctx, x, m.remove, id, m.policies.Delete)
		return Event{Kind: EventDeleted}, err
	default:
		return Event{}, fmt.Errorf("unknown deployment effect %q", head.Kind)
	}
}

func (m *Machine) finish(x *workflow.Execution, rec Record) error {
	switch {
	case rec.Failure != nil:
		m.metrics.DeploymentFinished("failed")
		x.Fail(rec.Failure)
		return nil
	case rec.Descriptor.ResourceID == "":
		m.metrics.DeploymentFinished("noop")
	default:
		m.metrics.DeploymentFinished("succeeded")
	}
	return x.Complete(rec.Output)
}

// Run starts the deployment machine as a child of the calling workflow and
// returns its output. Provider error states come back as *DeploymentError.
func Run(wctx *workflow.Context, desc Descriptor) (json.RawMessage, error) {
	out, err := workflow.CallChild[json.RawMessage](wctx, WorkflowName, "", desc)
	if err != nil && !workflow.IsSuspended(err) {
		if de, ok := AsDeploymentError(err); ok {
			return nil, de
		}
	}
	return out, err
}

var _ workflow.Definition = (*Machine)(nil)
