package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/conductor/internal/scheduler Runner

// Runner is the part of the workflow engine the scheduler drives.
type Runner interface {
	RunDue(ctx context.Context) (int, error)
	Recover(ctx context.Context) (int64, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Now() time.Time
}
