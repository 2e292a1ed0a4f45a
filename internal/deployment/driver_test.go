package deployment_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/deployment"
	"github.com/mattjoyce/conductor/internal/deployment/mocks"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/storage"
	"github.com/mattjoyce/conductor/internal/workflow"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

var once = workflow.RetryPolicy{MaxAttempts: 1, InitialBackoff: -1}

func testPolicies() deployment.Policies {
	return deployment.Policies{Start: once, State: once, Errors: once, Output: once, Delete: once}
}

type harness struct {
	db    *workflow.Store
	clock *workflow.ManualClock
	eng   *workflow.Engine
}

func newHarness(t *testing.T, p deployment.Provider) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "deploy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: workflow.NewStore(db), clock: workflow.NewManualClock(start)}
	h.eng = h.engine(t, p)
	return h
}

// engine builds a fresh engine over the same database, as a restarted
// process would.
func (h *harness) engine(t *testing.T, p deployment.Provider) *workflow.Engine {
	t.Helper()
	eng := workflow.NewEngine(h.db, workflow.WithClock(h.clock))
	require.NoError(t, eng.Register(deployment.NewMachine(p, deployment.WithPolicies(testPolicies()))))
	return eng
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	_, err := h.eng.RunDue(context.Background())
	require.NoError(t, err)
}

func (h *harness) instance(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	inst, err := h.eng.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) record(t *testing.T, id string) deployment.Record {
	t.Helper()
	var rec deployment.Record
	require.NoError(t, json.Unmarshal(h.instance(t, id).Checkpoint, &rec))
	return rec
}

func TestMachinePollsUntilSucceeded(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	input := json.RawMessage(`{"size":"small"}`)
	gomock.InOrder(
		p.EXPECT().Start(gomock.Any(), "create-vm", input).Return("vm-1", nil),
		p.EXPECT().GetState(gomock.Any(), "vm-1").Return(deployment.StateRunning, nil),
		p.EXPECT().GetState(gomock.Any(), "vm-1").Return(deployment.StateRunning, nil),
		p.EXPECT().GetState(gomock.Any(), "vm-1").Return(deployment.StateSucceeded, nil),
		p.EXPECT().GetOutput(gomock.Any(), "vm-1").Return(json.RawMessage(`{"ip":"10.1.2.3"}`), nil).Times(1),
		p.EXPECT().GetState(gomock.Any(), "vm-1").Return(deployment.StateSucceeded, nil),
		p.EXPECT().Delete(gomock.Any(), "vm-1").Return(nil),
	)

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-1",
		deployment.Descriptor{StartActivity: "create-vm", StartInput: input})
	require.NoError(t, err)

	h.run(t)
	inst := h.instance(t, "dep-1")
	assert.Equal(t, workflow.StatusWaiting, inst.Status)
	require.NotNil(t, inst.WakeAt)
	assert.True(t, inst.WakeAt.Equal(start.Add(30*time.Second)))

	for i := 0; i < 3; i++ {
		h.clock.Advance(30 * time.Second)
		h.run(t)
	}

	inst = h.instance(t, "dep-1")
	require.Equal(t, workflow.StatusCompleted, inst.Status)
	out, err := workflow.Outcome[json.RawMessage](inst)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ip":"10.1.2.3"}`, string(out))

	rec := h.record(t, "dep-1")
	assert.Equal(t, deployment.PhaseDone, rec.Phase)
	assert.Equal(t, 3, rec.Polls, "two re-entries into polling after the first")
}

func TestMachineFailedDeploymentIsDeletedAfterRetention(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	gomock.InOrder(
		p.EXPECT().Start(gomock.Any(), "create-db", gomock.Any()).Return("db-9", nil),
		p.EXPECT().GetState(gomock.Any(), "db-9").Return(deployment.StateRunning, nil),
		p.EXPECT().GetState(gomock.Any(), "db-9").Return(deployment.StateFailed, nil),
		p.EXPECT().GetErrors(gomock.Any(), "db-9").Return([]string{"quota exceeded", "rollback done"}, nil),
		p.EXPECT().GetState(gomock.Any(), "db-9").Return(deployment.StateFailed, nil),
	)

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-2",
		deployment.Descriptor{StartActivity: "create-db"})
	require.NoError(t, err)

	h.run(t)
	h.clock.Advance(30 * time.Second)
	h.run(t)
	h.clock.Advance(30 * time.Second)
	h.run(t)

	failedAt := h.clock.Now()
	inst := h.instance(t, "dep-2")
	require.Equal(t, workflow.StatusWaiting, inst.Status)
	require.NotNil(t, inst.WakeAt)
	assert.True(t, inst.WakeAt.Equal(failedAt.Add(7*24*time.Hour)))

	// Nothing is deleted before the retention horizon, even across a restart.
	h.clock.Advance(7*24*time.Hour - time.Second)
	h.eng = h.engine(t, p)
	h.run(t)
	assert.Equal(t, workflow.StatusWaiting, h.instance(t, "dep-2").Status)

	p.EXPECT().Delete(gomock.Any(), "db-9").Return(nil)
	h.clock.Advance(time.Second)
	h.run(t)

	inst = h.instance(t, "dep-2")
	require.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, command.KindDeployment, inst.Failure.Kind)

	_, err = workflow.Outcome[json.RawMessage](inst)
	de, ok := deployment.AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, "db-9", de.ResourceID)
	assert.Equal(t, []string{"quota exceeded", "rollback done"}, de.Messages)
}

func TestMachineEmptyResourceIDIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	p.EXPECT().Start(gomock.Any(), "nothing-to-do", gomock.Any()).Return("", nil)

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-3",
		deployment.Descriptor{StartActivity: "nothing-to-do"})
	require.NoError(t, err)
	h.run(t)

	inst := h.instance(t, "dep-3")
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, 1, inst.Advances)
}

func TestMachineResumesFromExistingResource(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	gomock.InOrder(
		p.EXPECT().GetState(gomock.Any(), "vm-7").Return(deployment.StateSucceeded, nil),
		p.EXPECT().GetOutput(gomock.Any(), "vm-7").Return(nil, nil),
		p.EXPECT().GetState(gomock.Any(), "vm-7").Return(deployment.StateUnknown, nil),
		p.EXPECT().Delete(gomock.Any(), "vm-7").Return(nil),
	)

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-4",
		deployment.Descriptor{ResourceID: "vm-7"})
	require.NoError(t, err)
	h.run(t)
	h.clock.Advance(30 * time.Second)
	h.run(t)

	assert.Equal(t, workflow.StatusCompleted, h.instance(t, "dep-4").Status)
}

func TestMachineStartFailureFailsInstance(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	p.EXPECT().Start(gomock.Any(), "create-vm", gomock.Any()).Return("", errors.New("401 unauthorized"))

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-5",
		deployment.Descriptor{StartActivity: "create-vm"})
	require.NoError(t, err)
	h.run(t)

	inst := h.instance(t, "dep-5")
	require.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Contains(t, inst.Failure.Message, "401 unauthorized")
}

func TestMachineStallsOnFlakyPollThenRecovers(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	gomock.InOrder(
		p.EXPECT().GetState(gomock.Any(), "vm-8").Return(deployment.State(""), errors.New("503")),
		p.EXPECT().GetState(gomock.Any(), "vm-8").Return(deployment.StateSucceeded, nil),
		p.EXPECT().Delete(gomock.Any(), "vm-8").Return(nil),
	)

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-6",
		deployment.Descriptor{ResourceID: "vm-8", Delete: true})
	require.NoError(t, err)

	h.run(t)
	rec := h.record(t, "dep-6")
	assert.Equal(t, 1, rec.Stalls)
	assert.Equal(t, workflow.StatusWaiting, h.instance(t, "dep-6").Status)

	h.clock.Advance(30 * time.Second)
	h.run(t)
	assert.Equal(t, workflow.StatusCompleted, h.instance(t, "dep-6").Status)
}

func TestMachineDeletesWhenOutputNeverArrives(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	h := newHarness(t, p)

	gomock.InOrder(
		p.EXPECT().Start(gomock.Any(), "create-vm", gomock.Any()).Return("vm-1", nil),
		p.EXPECT().GetState(gomock.Any(), "vm-1").Return(deployment.StateSucceeded, nil),
		p.EXPECT().GetOutput(gomock.Any(), "vm-1").Return(nil, errors.New("output endpoint 500")).Times(11),
		p.EXPECT().GetState(gomock.Any(), "vm-1").Return(deployment.StateSucceeded, nil),
		p.EXPECT().Delete(gomock.Any(), "vm-1").Return(nil).Times(1),
	)

	_, _, err := h.eng.Start(context.Background(), deployment.WorkflowName, "dep-7",
		deployment.Descriptor{StartActivity: "create-vm"})
	require.NoError(t, err)

	h.run(t)
	for i := 0; i < 30; i++ {
		h.clock.Advance(30 * time.Second)
		h.run(t)
	}

	inst := h.instance(t, "dep-7")
	require.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, command.KindDeployment, inst.Failure.Kind)
	assert.Contains(t, inst.Failure.Message, "output endpoint 500")

	rec := h.record(t, "dep-7")
	assert.Equal(t, deployment.PhaseDone, rec.Phase)
	assert.True(t, rec.Descriptor.Delete)
}

func TestDescriptorValidate(t *testing.T) {
	var vErr *command.ValidationError
	assert.ErrorAs(t, deployment.Descriptor{}.Validate(), &vErr)
	assert.NoError(t, deployment.Descriptor{ResourceID: "r"}.Validate())
	assert.ErrorAs(t, deployment.Descriptor{StartActivity: "a", StartInput: json.RawMessage("{")}.Validate(), &vErr)
}
