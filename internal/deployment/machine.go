package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// Phase is the coarse position of a machine.
type Phase string

const (
	PhaseStarting         Phase = "starting"
	PhasePolling          Phase = "polling"
	PhaseFinalizing       Phase = "finalizing"
	PhaseCleanupScheduled Phase = "cleanup_scheduled"
	PhaseDone             Phase = "done"
)

// Phase transitions. Every phase change made by Next goes through this
// table, so an illegal move fails loudly instead of corrupting a record.
const (
	transitionStarted   = "started"
	transitionNoop      = "noop"
	transitionProgress  = "progress"
	transitionTerminal  = "terminal"
	transitionFinalized = "finalized"
	transitionDeleted   = "deleted"
)

var phaseEvents = fsm.Events{
	{Name: transitionStarted, Src: []string{string(PhaseStarting)}, Dst: string(PhasePolling)},
	{Name: transitionNoop, Src: []string{string(PhaseStarting)}, Dst: string(PhaseDone)},
	{Name: transitionProgress, Src: []string{string(PhasePolling)}, Dst: string(PhasePolling)},
	{Name: transitionTerminal, Src: []string{string(PhasePolling)}, Dst: string(PhaseFinalizing)},
	{Name: transitionFinalized, Src: []string{string(PhaseFinalizing)}, Dst: string(PhaseCleanupScheduled)},
	{Name: transitionDeleted, Src: []string{string(PhaseCleanupScheduled)}, Dst: string(PhaseDone)},
}

func movePhase(from Phase, transition string) (Phase, error) {
	f := fsm.NewFSM(string(from), phaseEvents, fsm.Callbacks{})
	if err := f.Event(context.Background(), transition); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return from, fmt.Errorf("phase %s: %w", from, err)
		}
	}
	return Phase(f.Current()), nil
}

// EffectKind is an action the driver must perform.
type EffectKind string

const (
	EffectStart     EffectKind = "start"
	EffectWait      EffectKind = "wait"
	EffectGetState  EffectKind = "get_state"
	EffectGetOutput EffectKind = "get_output"
	EffectGetErrors EffectKind = "get_errors"
	EffectDelete    EffectKind = "delete"
	EffectFinish    EffectKind = "finish"
)

// Effect is one pending action. Until is set for EffectWait.
type Effect struct {
	Kind  EffectKind `json:"kind"`
	Until *time.Time `json:"until,omitempty"`
}

// EventKind is the result of performing an effect.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventTimerFired     EventKind = "timer_fired"
	EventStateObserved  EventKind = "state_observed"
	EventOutputFetched  EventKind = "output_fetched"
	EventErrorsFetched  EventKind = "errors_fetched"
	EventDeleted        EventKind = "deleted"
	EventActivityFailed EventKind = "activity_failed"
)

// Event feeds the outcome of the head effect back into Next. At is the
// time the outcome was observed.
type Event struct {
	Kind       EventKind
	ResourceID string
	State      State
	Output     json.RawMessage
	Messages   []string
	Err        string
	At         time.Time
}

// Record is the checkpointed state of one machine.
type Record struct {
	Descriptor Descriptor       `json:"descriptor"`
	Phase      Phase            `json:"phase"`
	Pending    []Effect         `json:"pending"`
	Polls      int              `json:"polls"`
	Stalls     int              `json:"stalls,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Failure    *DeploymentError `json:"failure,omitempty"`
}

// Head is the next effect to perform.
func (r Record) Head() (Effect, bool) {
	if len(r.Pending) == 0 {
		return Effect{}, false
	}
	return r.Pending[0], true
}

// ErrUnexpectedEvent is returned when an event does not answer the
// record's pending effect.
var ErrUnexpectedEvent = errors.New("unexpected deployment event")

// ErrStalled is returned when Delete keeps failing after MaxStalls retry
// rounds.
var ErrStalled = errors.New("deployment activity stalled")

var answers = map[EffectKind]EventKind{
	EffectStart:     EventStarted,
	EffectWait:      EventTimerFired,
	EffectGetState:  EventStateObserved,
	EffectGetOutput: EventOutputFetched,
	EffectGetErrors: EventErrorsFetched,
	EffectDelete:    EventDeleted,
}

func waitUntil(t time.Time) Effect {
	return Effect{Kind: EffectWait, Until: &t}
}

// Begin builds the initial record for desc. A descriptor without a resource
// id starts; one marked for deletion goes straight to cleanup; anything else
// resumes polling.
func Begin(desc Descriptor, now time.Time, timing Timing) Record {
	timing = timing.withDefaults()
	rec := Record{Descriptor: desc}
	switch {
	case desc.ResourceID == "":
		rec.Phase = PhaseStarting
		rec.Pending = []Effect{{Kind: EffectStart}}
	case desc.Delete:
		rec.Phase = PhaseCleanupScheduled
		rec.Pending = []Effect{{Kind: EffectGetState}}
	default:
		rec.Phase = PhasePolling
		rec.Polls = 1
		rec.Pending = []Effect{waitUntil(now.Add(timing.PollInterval))}
	}
	return rec
}

// Next applies ev to rec and returns the new record with its pending
// effects. It performs no I/O.
func Next(rec Record, ev Event, timing Timing) (Record, []Effect, error) {
	timing = timing.withDefaults()
	head, ok := rec.Head()
	if !ok {
		return rec, nil, fmt.Errorf("%w: %s in phase %s with nothing pending", ErrUnexpectedEvent, ev.Kind, rec.Phase)
	}

	if ev.Kind == EventActivityFailed {
		return stall(rec, head, ev, timing)
	}
	if want := answers[head.Kind]; ev.Kind != want {
		return rec, nil, fmt.Errorf("%w: got %s while waiting for %s in phase %s", ErrUnexpectedEvent, ev.Kind, want, rec.Phase)
	}

	next := rec
	next.Pending = nil
	next.Stalls = 0

	// A stall wait only delays the effect queued behind it.
	if ev.Kind == EventTimerFired && len(rec.Pending) > 1 {
		next.Pending = append([]Effect(nil), rec.Pending[1:]...)
		next.Stalls = rec.Stalls
		return next, next.Pending, nil
	}

	var err error
	switch rec.Phase {
	case PhaseStarting:
		if ev.ResourceID == "" {
			next.Phase, err = movePhase(rec.Phase, transitionNoop)
			next.Pending = []Effect{{Kind: EffectFinish}}
			break
		}
		next.Descriptor.ResourceID = ev.ResourceID
		next.Phase, err = movePhase(rec.Phase, transitionStarted)
		next.Polls++
		next.Pending = []Effect{waitUntil(ev.At.Add(timing.PollInterval))}

	case PhasePolling:
		switch ev.Kind {
		case EventTimerFired:
			next.Pending = []Effect{{Kind: EffectGetState}}
		case EventStateObserved:
			switch {
			case ev.State == StateSucceeded:
				next.Phase, err = movePhase(rec.Phase, transitionTerminal)
				next.Pending = []Effect{{Kind: EffectGetOutput}}
			case ev.State.IsError():
				next.Phase, err = movePhase(rec.Phase, transitionTerminal)
				next.Pending = []Effect{{Kind: EffectGetErrors}}
			default:
				// Accepted, Running, and Unknown all count as progress.
				next.Phase, err = movePhase(rec.Phase, transitionProgress)
				next.Polls++
				next.Pending = []Effect{waitUntil(ev.At.Add(timing.PollInterval))}
			}
		}

	case PhaseFinalizing:
		switch ev.Kind {
		case EventOutputFetched:
			next.Output = ev.Output
		case EventErrorsFetched:
			next.Failure = &DeploymentError{
				ResourceID: rec.Descriptor.ResourceID,
				Messages:   append([]string{}, ev.Messages...),
			}
		}
		next.Descriptor.Delete = true
		next.Phase, err = movePhase(rec.Phase, transitionFinalized)
		next.Pending = []Effect{{Kind: EffectGetState}}

	case PhaseCleanupScheduled:
		switch ev.Kind {
		case EventStateObserved:
			if ev.State.IsError() {
				next.Pending = []Effect{waitUntil(ev.At.Add(timing.Retention))}
			} else {
				next.Pending = []Effect{{Kind: EffectDelete}}
			}
		case EventTimerFired:
			next.Pending = []Effect{{Kind: EffectDelete}}
		case EventDeleted:
			next.Phase, err = movePhase(rec.Phase, transitionDeleted)
			next.Pending = []Effect{{Kind: EffectFinish}}
		}

	default:
		err = fmt.Errorf("%w: %s in phase %s", ErrUnexpectedEvent, ev.Kind, rec.Phase)
	}
	if err != nil {
		return rec, nil, err
	}
	return next, next.Pending, nil
}

// stall reschedules a failed effect after one poll interval. Start failures
// are never stalled because no resource exists yet. Once the stall budget is
// spent the resource is abandoned: the failure is recorded and cleanup runs
// as it would after an error state. Only a stalled Delete ends the machine
// without cleanup.
func stall(rec Record, head Effect, ev Event, timing Timing) (Record, []Effect, error) {
	if head.Kind == EffectStart || head.Kind == EffectWait || head.Kind == EffectFinish {
		return rec, nil, fmt.Errorf("deployment %s: %s", head.Kind, ev.Err)
	}
	if rec.Stalls < timing.MaxStalls {
		next := rec
		next.Stalls++
		next.Pending = append([]Effect{waitUntil(ev.At.Add(timing.PollInterval))}, rec.Pending...)
		return next, next.Pending, nil
	}

	reason := fmt.Sprintf("%s on %s stalled after %d rounds: %s",
		head.Kind, rec.Descriptor.ResourceID, rec.Stalls, ev.Err)
	if head.Kind == EffectDelete {
		return rec, nil, fmt.Errorf("%w: %s", ErrStalled, reason)
	}

	next := rec
	next.Stalls = 0
	next.Descriptor.Delete = true
	if next.Failure == nil && rec.Phase != PhaseCleanupScheduled {
		next.Failure = &DeploymentError{ResourceID: rec.Descriptor.ResourceID, Messages: []string{reason}}
	}
	if rec.Phase == PhaseCleanupScheduled {
		// The state check only decides whether to wait for retention.
		next.Pending = []Effect{{Kind: EffectDelete}}
		return next, next.Pending, nil
	}

	phase := rec.Phase
	var err error
	if phase == PhasePolling {
		if phase, err = movePhase(phase, transitionTerminal); err != nil {
			return rec, nil, err
		}
	}
	if next.Phase, err = movePhase(phase, transitionFinalized); err != nil {
		return rec, nil, err
	}
	if next.Phase != PhaseCleanupScheduled {
		return rec, nil, fmt.Errorf("%w: %s", ErrStalled, reason)
	}
	next.Pending = []Effect{{Kind: EffectGetState}}
	return next, next.Pending, nil
}
