package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecoverOrphanedInstances(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(Config{}, runner, events.NewHub(8), slogger)
	ctx := context.Background()

	t.Run("nothing orphaned", func(t *testing.T) {
		runner.EXPECT().Recover(ctx).Return(int64(0), nil)
		assert.NoError(t, s.recoverOrphanedInstances(ctx))
		assert.NotContains(t, logBuf.String(), "Re-queued")
	})

	t.Run("orphans re-queued", func(t *testing.T) {
		logBuf.Reset()
		runner.EXPECT().Recover(ctx).Return(int64(3), nil)
		assert.NoError(t, s.recoverOrphanedInstances(ctx))
		assert.Contains(t, logBuf.String(), "Re-queued orphaned workflow instances")
	})

	t.Run("store error", func(t *testing.T) {
		runner.EXPECT().Recover(ctx).Return(int64(0), errors.New("db error"))
		assert.Error(t, s.recoverOrphanedInstances(ctx))
	})
}

func TestTickPublishesWhenWorkAdvanced(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	hub := events.NewHub(8)
	slogger, _ := NewTestSlogger()
	s := New(Config{Workers: 2}, runner, hub, slogger)

	runner.EXPECT().RunDue(gomock.Any()).Return(2, nil)
	runner.EXPECT().RunDue(gomock.Any()).Return(1, nil)
	runner.EXPECT().Now().Return(epoch)

	s.tick(context.Background())

	snap := hub.SnapshotSince(0)
	if assert.Len(t, snap, 1) {
		assert.Equal(t, events.SchedulerTick, snap[0].Type)
		assert.Contains(t, string(snap[0].Data), `"advanced":3`)
	}
}

func TestTickLogsRunErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(Config{}, runner, nil, slogger)

	runner.EXPECT().RunDue(gomock.Any()).Return(0, errors.New("disk full"))
	s.tick(context.Background())

	assert.Contains(t, logBuf.String(), "Failed to run due workflow instances")
}

func TestMaybePruneHonoursInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(Config{Retention: 24 * time.Hour, PruneEvery: time.Hour}, runner, nil, slogger)
	ctx := context.Background()

	runner.EXPECT().Now().Return(epoch)
	runner.EXPECT().Prune(ctx, epoch.Add(-24*time.Hour)).Return(int64(4), nil)
	s.maybePrune(ctx)

	runner.EXPECT().Now().Return(epoch.Add(10 * time.Minute))
	s.maybePrune(ctx)

	later := epoch.Add(2 * time.Hour)
	runner.EXPECT().Now().Return(later)
	runner.EXPECT().Prune(ctx, later.Add(-24*time.Hour)).Return(int64(0), nil)
	s.maybePrune(ctx)
}

func TestMaybePruneDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(Config{}, runner, nil, slogger)

	s.maybePrune(context.Background())
}

func TestStartStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(Config{TickInterval: time.Hour}, runner, nil, slogger)

	runner.EXPECT().Recover(gomock.Any()).Return(int64(0), nil)
	runner.EXPECT().RunDue(gomock.Any()).Return(0, nil).MinTimes(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, s.Start(ctx))
	s.Stop()
}
