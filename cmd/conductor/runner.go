package main

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/state"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// retentionRunner is the engine as seen by the scheduler, with pruning
// extended to handled queue items and terminal results. Pruning results
// also ends the window in which a redelivered command id is recognised.
type retentionRunner struct {
	*workflow.Engine
	queue   *queue.Queue
	results *state.Store
}

func (r *retentionRunner) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var errs []error
	total, err := r.Engine.Prune(ctx, cutoff)
	errs = append(errs, err)
	n, err := r.queue.Prune(ctx, cutoff)
	total += n
	errs = append(errs, err)
	n, err = r.results.Prune(ctx, cutoff)
	total += n
	errs = append(errs, err)
	return total, errors.Join(errs...)
}
