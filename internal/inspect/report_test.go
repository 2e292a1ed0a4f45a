package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/state"
	"github.com/mattjoyce/conductor/internal/storage"
	"github.com/mattjoyce/conductor/internal/workflow"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedFailedDeploy records a command whose deployment child failed.
func seedFailedDeploy(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	_, err := queue.New(db).Enqueue(ctx, command.Message{
		ID:          "m-1",
		Command:     command.Command{ID: "c-1", Type: "DeployCommand"},
		CallbackURL: "https://example.test/cb",
	})
	require.NoError(t, err)

	results := state.NewStore(db)
	_, err = results.MarkRunning(ctx, "c-1")
	require.NoError(t, err)
	_, err = results.Finish(ctx, command.Result{
		CommandID: "c-1",
		Status:    command.StatusFailed,
		Errors:    []command.ErrorDetail{{Kind: "deployment", Message: "quota exceeded"}},
	})
	require.NoError(t, err)

	store := workflow.NewStore(db)
	create := func(id, name, parent string) *workflow.Instance {
		inst, created, err := store.Create(ctx, &workflow.Instance{ID: id, Workflow: name, ParentID: parent, CreatedAt: epoch})
		require.NoError(t, err)
		require.True(t, created)
		return inst
	}
	create("message/m-1", "dispatch-command", "")
	handler := create("command/c-1", "deploy", "message/m-1")
	deploy := create("command/c-1/deployment-1", "deployment", "command/c-1")

	require.NoError(t, store.AppendHistory(ctx, workflow.HistoryEvent{
		InstanceID: handler.ID, Seq: 0, Kind: workflow.EventChild, Name: "deployment", RecordedAt: epoch,
	}))

	deploy.Status = workflow.StatusFailed
	deploy.Failure = &workflow.Failure{Kind: "deployment", Message: "quota exceeded"}
	deploy.Checkpoint = json.RawMessage(`{"state":"Failed","polls":3}`)
	deploy.UpdatedAt = epoch
	deploy.CompletedAt = &epoch
	require.NoError(t, store.Save(ctx, deploy))
}

func TestBuildReportRendersWorkflowTree(t *testing.T) {
	db := openDB(t)
	seedFailedDeploy(t, db)

	out, err := BuildReport(context.Background(), db, "c-1")
	require.NoError(t, err)

	assert.Contains(t, out, "Command ID  : c-1")
	assert.Contains(t, out, "Status      : failed")
	assert.Contains(t, out, "Error       : [deployment] quota exceeded")
	assert.Contains(t, out, "m-1  queued  attempt=0  callback=https://example.test/cb")
	assert.Contains(t, out, "\n  message/m-1 [dispatch-command] pending\n")
	assert.Contains(t, out, "\n    command/c-1 [deploy] pending\n")
	assert.Contains(t, out, "      #0 child deployment\n")
	assert.Contains(t, out, "\n      command/c-1/deployment-1 [deployment] failed\n")
	assert.Contains(t, out, "failure : [deployment] quota exceeded")
	assert.Contains(t, out, `"polls": 3`)
}

func TestBuildJSONReport(t *testing.T) {
	db := openDB(t)
	seedFailedDeploy(t, db)

	raw, err := BuildJSONReport(context.Background(), db, "c-1")
	require.NoError(t, err)

	var report Report
	require.NoError(t, json.Unmarshal([]byte(raw), &report))
	assert.Equal(t, "c-1", report.CommandID)
	require.NotNil(t, report.Result)
	assert.Equal(t, command.StatusFailed, report.Result.Status)
	require.Len(t, report.Messages, 1)
	assert.Equal(t, "m-1", report.Messages[0].ID)

	require.Len(t, report.Instances, 3)
	ids := []string{report.Instances[0].ID, report.Instances[1].ID, report.Instances[2].ID}
	assert.Equal(t, []string{"message/m-1", "command/c-1", "command/c-1/deployment-1"}, ids)
	assert.Equal(t, []int{0, 1, 2}, []int{report.Instances[0].Depth, report.Instances[1].Depth, report.Instances[2].Depth})
	require.Len(t, report.Instances[1].Steps, 1)
	assert.Equal(t, "child", report.Instances[1].Steps[0].Kind)
}

func TestBuildReportPendingCommand(t *testing.T) {
	db := openDB(t)
	_, err := queue.New(db).Enqueue(context.Background(), command.Message{
		ID:      "m-2",
		Command: command.Command{ID: "c-2", Type: "DeployCommand"},
	})
	require.NoError(t, err)

	out, err := BuildReport(context.Background(), db, "c-2")
	require.NoError(t, err)
	assert.Contains(t, out, "Status      : <no result yet>")
	assert.Contains(t, out, "callback=<none>")
	assert.Contains(t, out, "Workflows (0)")
}

func TestBuildReportUnknownCommand(t *testing.T) {
	db := openDB(t)

	_, err := BuildReport(context.Background(), db, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `command "missing" not found`)

	_, err = BuildJSONReport(context.Background(), db, " ")
	require.Error(t, err)
}
