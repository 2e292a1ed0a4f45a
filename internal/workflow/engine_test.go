package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var fast = RetryPolicy{MaxAttempts: 3, InitialBackoff: -1}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *ManualClock) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := NewManualClock(epoch)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewEngine(NewStore(db), opts...), clock
}

func runDue(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.RunDue(context.Background())
	require.NoError(t, err)
}

func mustGet(t *testing.T, e *Engine, id string) *Instance {
	t.Helper()
	inst, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestActivityOutcomeIsNotReExecutedOnReplay(t *testing.T) {
	e, clock := newTestEngine(t)

	var calls atomic.Int32
	double := NewActivity("double", func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		return n * 2, nil
	})
	require.NoError(t, e.Register(Func("doubler", func(wctx *Context, n int) (int, error) {
		v, err := CallActivity(wctx, double, n, fast)
		if err != nil {
			return 0, err
		}
		if err := wctx.Sleep(time.Minute); err != nil {
			return 0, err
		}
		return v + 1, nil
	})))

	_, created, err := e.Start(context.Background(), "doubler", "d1", 20)
	require.NoError(t, err)
	assert.True(t, created)

	runDue(t, e)
	inst := mustGet(t, e, "d1")
	assert.Equal(t, StatusWaiting, inst.Status)
	require.NotNil(t, inst.WakeAt)
	assert.True(t, inst.WakeAt.Equal(epoch.Add(time.Minute)))

	runDue(t, e)
	assert.Equal(t, StatusWaiting, mustGet(t, e, "d1").Status)

	clock.Advance(time.Minute)
	runDue(t, e)

	inst = mustGet(t, e, "d1")
	require.Equal(t, StatusCompleted, inst.Status)
	out, err := Outcome[int](inst)
	require.NoError(t, err)
	assert.Equal(t, 41, out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(
		Func("a", func(*Context, string) (string, error) { return "ok", nil }),
		Func("b", func(*Context, string) (string, error) { return "ok", nil }),
	))

	_, created, err := e.Start(context.Background(), "a", "same", "x")
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = e.Start(context.Background(), "a", "same", "y")
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = e.Start(context.Background(), "b", "same", "x")
	assert.Error(t, err)

	_, _, err = e.Start(context.Background(), "missing", "other", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestActivityRetriesThenSucceeds(t *testing.T) {
	var attempts []int
	e, _ := newTestEngine(t, WithHooks(Hooks{OnAttempt: func(_ string, attempt int, _ error) {
		attempts = append(attempts, attempt)
	}}))

	var calls int
	flaky := NewActivity("flaky", func(context.Context, struct{}) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("try again")
		}
		return "done", nil
	})
	require.NoError(t, e.Register(Func("w", func(wctx *Context, _ struct{}) (string, error) {
		return CallActivity(wctx, flaky, struct{}{}, fast)
	})))

	_, _, err := e.Start(context.Background(), "w", "w1", struct{}{})
	require.NoError(t, err)
	runDue(t, e)

	out, err := Outcome[string](mustGet(t, e, "w1"))
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestActivityExhaustionFailsWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)

	broken := NewActivity("broken", func(context.Context, int) (int, error) {
		return 0, errors.New("still down")
	})
	require.NoError(t, e.Register(Func("w", func(wctx *Context, n int) (int, error) {
		return CallActivity(wctx, broken, n, fast)
	})))

	_, _, err := e.Start(context.Background(), "w", "w1", 1)
	require.NoError(t, err)
	runDue(t, e)

	inst := mustGet(t, e, "w1")
	require.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Failure.Message, "after 3 attempts")
	assert.Contains(t, inst.Failure.Message, "still down")
}

type kindedErr struct{}

func (kindedErr) Error() string       { return "no such thing" }
func (kindedErr) FailureKind() string { return "missing" }
func (kindedErr) FailureDetail() any  { return map[string]string{"name": "thing"} }
func (kindedErr) Permanent() bool     { return true }

func TestPermanentErrorIsNotRetriedAndKeepsKind(t *testing.T) {
	e, _ := newTestEngine(t)

	var calls int
	act := NewActivity("lookup", func(context.Context, int) (int, error) {
		calls++
		return 0, kindedErr{}
	})
	require.NoError(t, e.Register(Func("w", func(wctx *Context, n int) (string, error) {
		_, err := CallActivity(wctx, act, n, fast)
		var f *Failure
		if errors.As(err, &f) && f.Kind == "missing" {
			return string(f.Detail), nil
		}
		return "", err
	})))

	_, _, err := e.Start(context.Background(), "w", "w1", 1)
	require.NoError(t, err)
	runDue(t, e)

	out, err := Outcome[string](mustGet(t, e, "w1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"thing"}`, out)
	assert.Equal(t, 1, calls)
}

func TestChildWorkflowWakesParent(t *testing.T) {
	e, clock := newTestEngine(t)

	require.NoError(t, e.Register(
		Func("child", func(wctx *Context, n int) (int, error) {
			if err := wctx.Sleep(time.Hour); err != nil {
				return 0, err
			}
			return n * 10, nil
		}),
		Func("parent", func(wctx *Context, n int) (int, error) {
			v, err := CallChild[int](wctx, "child", "", n)
			if err != nil {
				return 0, err
			}
			return v + 1, nil
		}),
	))

	_, _, err := e.Start(context.Background(), "parent", "p1", 4)
	require.NoError(t, err)
	runDue(t, e)

	parent := mustGet(t, e, "p1")
	assert.Equal(t, StatusWaiting, parent.Status)
	assert.Equal(t, "p1/child-1", parent.AwaitID)
	child := mustGet(t, e, "p1/child-1")
	assert.Equal(t, "p1", child.ParentID)
	assert.Equal(t, StatusWaiting, child.Status)

	children, err := e.Store().Children(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "p1/child-1", children[0].ID)

	clock.Advance(time.Hour)
	runDue(t, e)

	out, err := Outcome[int](mustGet(t, e, "p1"))
	require.NoError(t, err)
	assert.Equal(t, 41, out)
}

func TestChildWithExplicitIDRunsOnceForManyParents(t *testing.T) {
	e, _ := newTestEngine(t)

	var runs atomic.Int32
	work := NewActivity("work", func(context.Context, string) (string, error) {
		runs.Add(1)
		return "result", nil
	})
	require.NoError(t, e.Register(
		Func("handler", func(wctx *Context, in string) (string, error) {
			return CallActivity(wctx, work, in, fast)
		}),
		Func("parent", func(wctx *Context, key string) (string, error) {
			return CallChild[string](wctx, "handler", key, key)
		}),
	))

	for _, id := range []string{"p1", "p2"} {
		_, _, err := e.Start(context.Background(), "parent", id, "cmd-7")
		require.NoError(t, err)
	}
	runDue(t, e)

	for _, id := range []string{"p1", "p2"} {
		out, err := Outcome[string](mustGet(t, e, id))
		require.NoError(t, err)
		assert.Equal(t, "result", out)
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestChildIDTakenByAnotherWorkflowIsConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(
		Func("ha", func(*Context, string) (string, error) { return "a", nil }),
		Func("hb", func(*Context, string) (string, error) { return "b", nil }),
		Func("parent", func(wctx *Context, handler string) (string, error) {
			out, err := CallChild[string](wctx, handler, "shared", handler)
			if IsSuspended(err) {
				return "", err
			}
			if IsConflict(err) {
				return "conflict", nil
			}
			return out, err
		}),
	))

	_, _, err := e.Start(context.Background(), "parent", "p1", "ha")
	require.NoError(t, err)
	_, _, err = e.Start(context.Background(), "parent", "p2", "hb")
	require.NoError(t, err)
	runDue(t, e)

	out, err := Outcome[string](mustGet(t, e, "p1"))
	require.NoError(t, err)
	assert.Equal(t, "a", out)

	p2 := mustGet(t, e, "p2")
	require.Equal(t, StatusCompleted, p2.Status)
	out, err = Outcome[string](p2)
	require.NoError(t, err)
	assert.Equal(t, "conflict", out)

	hist, err := e.Store().History(context.Background(), "p2")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	for _, ev := range hist {
		require.NotNil(t, ev.Failure)
		assert.Equal(t, KindConflict, ev.Failure.Kind)
		var detail ConflictError
		require.NoError(t, ev.Failure.DecodeDetail(&detail))
		assert.Equal(t, ConflictError{ID: "shared", Workflow: "ha", Requested: "hb"}, detail)
	}
}

func TestChildFailureReachesParent(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(
		Func("child", func(*Context, int) (int, error) { return 0, kindedErr{} }),
		Func("parent", func(wctx *Context, n int) (string, error) {
			_, err := CallChild[int](wctx, "child", "", n)
			if IsSuspended(err) {
				return "", err
			}
			return NewFailure(err).Kind, nil
		}),
	))

	_, _, err := e.Start(context.Background(), "parent", "p1", 1)
	require.NoError(t, err)
	runDue(t, e)

	out, err := Outcome[string](mustGet(t, e, "p1"))
	require.NoError(t, err)
	assert.Equal(t, "missing", out)
}

func TestPanicFailsInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(Func("boom", func(*Context, int) (int, error) {
		panic("kaboom")
	})))

	_, _, err := e.Start(context.Background(), "boom", "b1", 0)
	require.NoError(t, err)
	runDue(t, e)

	inst := mustGet(t, e, "b1")
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Failure.Message, "kaboom")
}

func TestNondeterministicReplayFails(t *testing.T) {
	e, clock := newTestEngine(t)

	var flip atomic.Bool
	a := NewActivity("a", func(context.Context, int) (int, error) { return 1, nil })
	b := NewActivity("b", func(context.Context, int) (int, error) { return 2, nil })
	require.NoError(t, e.Register(Func("w", func(wctx *Context, _ int) (int, error) {
		act := a
		if flip.Load() {
			act = b
		}
		if _, err := CallActivity(wctx, act, 0, fast); err != nil {
			return 0, err
		}
		return 0, wctx.Sleep(time.Minute)
	})))

	_, _, err := e.Start(context.Background(), "w", "w1", 0)
	require.NoError(t, err)
	runDue(t, e)

	flip.Store(true)
	clock.Advance(time.Minute)
	runDue(t, e)

	inst := mustGet(t, e, "w1")
	require.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Failure.Message, ErrNondeterministic.Error())
}

func TestRecoverRequeuesRunningInstances(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(Func("w", func(*Context, int) (int, error) { return 7, nil })))

	_, _, err := e.Start(context.Background(), "w", "w1", 0)
	require.NoError(t, err)
	claimed, err := e.Store().ClaimDue(context.Background(), epoch)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, StatusRunning, claimed.Status)

	// Simulates a crash: the claim is never released.
	n, err := e.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runDue(t, e)
	out, err := Outcome[int](mustGet(t, e, "w1"))
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestPruneRemovesOldTerminalInstances(t *testing.T) {
	e, clock := newTestEngine(t)
	require.NoError(t, e.Register(Func("w", func(*Context, int) (int, error) { return 1, nil })))

	_, _, err := e.Start(context.Background(), "w", "old", 0)
	require.NoError(t, err)
	runDue(t, e)

	clock.Advance(48 * time.Hour)
	_, _, err = e.Start(context.Background(), "w", "new", 0)
	require.NoError(t, err)
	runDue(t, e)

	n, err := e.Prune(context.Background(), clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.Get(context.Background(), "old")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusCompleted, mustGet(t, e, "new").Status)
}

func TestCancelledContextLeavesInstancePending(t *testing.T) {
	e, _ := newTestEngine(t, WithAdvanceRetryDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	slow := NewActivity("slow", func(context.Context, int) (int, error) {
		cancel()
		return 0, errors.New("interrupted")
	})
	require.NoError(t, e.Register(Func("w", func(wctx *Context, n int) (int, error) {
		return CallActivity(wctx, slow, n, fast)
	})))

	_, _, err := e.Start(context.Background(), "w", "w1", 0)
	require.NoError(t, err)
	_, _ = e.RunDue(ctx)

	inst := mustGet(t, e, "w1")
	assert.Equal(t, StatusPending, inst.Status)
	require.NotNil(t, inst.WakeAt)
	assert.True(t, inst.WakeAt.Equal(epoch.Add(time.Minute)))

	history, err := e.Store().History(context.Background(), "w1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, time.Duration(0), RetryPolicy{InitialBackoff: -1}.Backoff(3))
}
