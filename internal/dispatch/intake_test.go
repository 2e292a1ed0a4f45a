package dispatch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/queue"
	sinkmocks "github.com/mattjoyce/conductor/internal/sink/mocks"
	"github.com/mattjoyce/conductor/internal/workflow"
)

func TestIntakeDrainStartsOneInstancePerMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t, nil, sinkmocks.NewMockSink(ctrl), map[string]dispatch.Handler{"echo": echoHandler(new(atomic.Int32))})

	h.submit(t, "m-1", "c-1", "DeployCommand")
	h.submit(t, "m-2", "c-2", "DeployCommand")

	n, err := h.intake.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"m-1", "m-2"} {
		inst, err := h.engine.Get(context.Background(), dispatch.MessageInstanceID(id))
		require.NoError(t, err)
		assert.Equal(t, dispatch.WorkflowName, inst.Workflow)
		assert.Equal(t, workflow.StatusPending, inst.Status)

		it, err := h.queue.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusDone, it.Status)
	}

	n, err = h.intake.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntakeReplayedMessageJoinsExistingInstance(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t, nil, sinkmocks.NewMockSink(ctrl), map[string]dispatch.Handler{"echo": echoHandler(new(atomic.Int32))})

	h.submit(t, "m-1", "c-1", "DeployCommand")
	_, _, err := h.engine.Start(context.Background(), dispatch.WorkflowName, dispatch.MessageInstanceID("m-1"), nil)
	require.NoError(t, err)

	n, err := h.intake.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestIntakeStartStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t, nil, sinkmocks.NewMockSink(ctrl), map[string]dispatch.Handler{"echo": echoHandler(new(atomic.Int32))})
	in := dispatch.NewIntake(h.queue, h.engine, dispatch.WithPollInterval(10*time.Millisecond))

	h.submit(t, "m-1", "c-1", "DeployCommand")
	_, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := h.engine.Get(context.Background(), dispatch.MessageInstanceID("m-1"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "claimed message was not recovered")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("intake did not stop")
	}
}
