package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// Intake moves queued messages into dispatch workflows. Starting an
// instance is idempotent by message id, so a message replayed after a crash
// joins the instance it already started.
type Intake struct {
	queue    *queue.Queue
	engine   *workflow.Engine
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithPollInterval sets how often the queue is checked.
func WithPollInterval(d time.Duration) IntakeOption {
	return func(in *Intake) {
		if d > 0 {
			in.interval = d
		}
	}
}

// WithIntakeMetrics reports queue depth.
func WithIntakeMetrics(m *metrics.Metrics) IntakeOption {
	return func(in *Intake) { in.metrics = m }
}

func NewIntake(q *queue.Queue, e *workflow.Engine, opts ...IntakeOption) *Intake {
	in := &Intake{
		queue:    q,
		engine:   e,
		interval: time.Second,
		logger:   log.WithComponent("intake"),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Start runs the intake loop until ctx is cancelled. Messages claimed by a
// previous process are re-queued first.
func (in *Intake) Start(ctx context.Context) error {
	in.logger.Info("intake loop started", "interval", in.interval)
	defer in.logger.Info("intake loop stopped")

	if n, err := in.queue.RecoverClaimed(ctx); err != nil {
		return fmt.Errorf("recover claimed messages: %w", err)
	} else if n > 0 {
		in.logger.Warn("re-queued messages claimed before restart", "count", n)
	}

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		if _, err := in.Drain(ctx); err != nil && ctx.Err() == nil {
			in.logger.Error("failed to drain queue", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain starts a dispatch workflow for every queued message and returns
// how many were handed over.
func (in *Intake) Drain(ctx context.Context) (int, error) {
	defer in.reportDepth(ctx)

	started := 0
	for ctx.Err() == nil {
		it, err := in.queue.Dequeue(ctx)
		if err != nil {
			return started, fmt.Errorf("dequeue: %w", err)
		}
		if it == nil {
			return started, nil
		}
		if err := in.dispatch(ctx, it); err != nil {
			return started, err
		}
		started++
	}
	return started, ctx.Err()
}

func (in *Intake) dispatch(ctx context.Context, it *queue.Item) error {
	logger := log.WithCommand(it.CommandID).With("message_id", it.ID, "command_type", it.CommandType)

	inst, created, err := in.engine.Start(ctx, WorkflowName, MessageInstanceID(it.ID), it.Message)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			logger.Error("dispatch workflow not registered", "error", err)
			return in.queue.Complete(ctx, it.ID, queue.StatusFailed, &reason)
		}
		if rErr := in.queue.Release(context.WithoutCancel(ctx), it.ID, reason); rErr != nil {
			logger.Error("failed to release message", "error", rErr)
		}
		return fmt.Errorf("start dispatch for message %s: %w", it.ID, err)
	}

	if created {
		logger.Info("dispatch started", "attempt", it.Attempt)
	} else {
		logger.Info("dispatch already exists", "status", inst.Status)
	}
	return in.queue.Complete(ctx, it.ID, queue.StatusDone, nil)
}

func (in *Intake) reportDepth(ctx context.Context) {
	if in.metrics == nil {
		return
	}
	n, err := in.queue.Depth(context.WithoutCancel(ctx))
	if err != nil {
		in.logger.Warn("failed to read queue depth", "error", err)
		return
	}
	in.metrics.SetQueueDepth(n)
}
