package dispatch

import (
	"context"

	"github.com/mattjoyce/conductor/internal/command"
)

//go:generate mockgen -destination=mocks/mock_result_store.go -package=mocks github.com/mattjoyce/conductor/internal/dispatch ResultStore

// ResultStore persists command results with monotonic status.
type ResultStore interface {
	MarkRunning(ctx context.Context, commandID string) (command.Result, error)
	Finish(ctx context.Context, result command.Result) (command.Result, error)
}
