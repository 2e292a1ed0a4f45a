// Package inspect renders everything conductor knows about one command:
// its result, the messages that carried it, and the workflow instances
// that ran it with their recorded history.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/state"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// Report is the structured JSON representation of a command report.
type Report struct {
	CommandID string          `json:"command_id"`
	Result    *command.Result `json:"result,omitempty"`
	Messages  []Message       `json:"messages"`
	Instances []Instance      `json:"instances"`
}

// Message is one delivery of the command.
type Message struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Attempt     int     `json:"attempt"`
	CallbackURL string  `json:"callback_url,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
}

// Instance is one workflow instance in the execution tree. Depth 0 is a
// per-message dispatch instance.
type Instance struct {
	Depth      int               `json:"depth"`
	ID         string            `json:"id"`
	Workflow   string            `json:"workflow"`
	Status     string            `json:"status"`
	WakeAt     *time.Time        `json:"wake_at,omitempty"`
	Failure    *workflow.Failure `json:"failure,omitempty"`
	Checkpoint json.RawMessage   `json:"checkpoint,omitempty"`
	Steps      []Step            `json:"steps,omitempty"`
}

// Step is one recorded history event of a replay instance.
type Step struct {
	Seq     int        `json:"seq"`
	Kind    string     `json:"kind"`
	Name    string     `json:"name"`
	FireAt  *time.Time `json:"fire_at,omitempty"`
	Failure string     `json:"failure,omitempty"`
}

// BuildReport renders a terminal-friendly report for a command.
func BuildReport(ctx context.Context, db *sql.DB, commandID string) (string, error) {
	report, err := gatherReportData(ctx, db, commandID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Command Report\n")
	fmt.Fprintf(&out, "Command ID  : %s\n", report.CommandID)
	if r := report.Result; r != nil {
		fmt.Fprintf(&out, "Status      : %s\n", r.Status)
		fmt.Fprintf(&out, "Custom      : %s\n", renderUnset(r.CustomStatus, "<none>"))
		fmt.Fprintf(&out, "Updated     : %s\n", r.UpdatedAt.Format(time.RFC3339))
		for _, e := range r.Errors {
			fmt.Fprintf(&out, "Error       : [%s] %s\n", e.Kind, e.Message)
		}
		if len(r.Output) > 0 {
			fmt.Fprintf(&out, "Output      :\n")
			writeIndented(&out, prettyJSON(r.Output), "  ")
		}
	} else {
		fmt.Fprintf(&out, "Status      : <no result yet>\n")
	}

	fmt.Fprintf(&out, "\nMessages (%d)\n", len(report.Messages))
	for _, m := range report.Messages {
		fmt.Fprintf(&out, "  %s  %s  attempt=%d  callback=%s\n",
			m.ID, m.Status, m.Attempt, renderUnset(m.CallbackURL, "<none>"))
		if m.LastError != nil {
			fmt.Fprintf(&out, "    last_error : %s\n", *m.LastError)
		}
	}

	fmt.Fprintf(&out, "\nWorkflows (%d)\n", len(report.Instances))
	for _, inst := range report.Instances {
		indent := strings.Repeat("  ", inst.Depth+1)
		fmt.Fprintf(&out, "%s%s [%s] %s\n", indent, inst.ID, inst.Workflow, inst.Status)
		if inst.WakeAt != nil {
			fmt.Fprintf(&out, "%s  wake_at : %s\n", indent, inst.WakeAt.Format(time.RFC3339))
		}
		if inst.Failure != nil {
			fmt.Fprintf(&out, "%s  failure : [%s] %s\n", indent, renderUnset(inst.Failure.Kind, "unhandled"), inst.Failure.Message)
		}
		for _, s := range inst.Steps {
			line := fmt.Sprintf("%s  #%d %s %s", indent, s.Seq, s.Kind, s.Name)
			if s.Failure != "" {
				line += " (failed: " + s.Failure + ")"
			}
			fmt.Fprintln(&out, line)
		}
		if len(inst.Checkpoint) > 0 {
			fmt.Fprintf(&out, "%s  checkpoint :\n", indent)
			writeIndented(&out, prettyJSON(inst.Checkpoint), indent+"    ")
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, db *sql.DB, commandID string) (string, error) {
	report, err := gatherReportData(ctx, db, commandID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, commandID string) (*Report, error) {
	if strings.TrimSpace(commandID) == "" {
		return nil, fmt.Errorf("command id is required")
	}

	report := &Report{CommandID: commandID, Messages: []Message{}, Instances: []Instance{}}

	res, err := state.NewStore(db).Get(ctx, commandID)
	switch {
	case err == nil:
		report.Result = &res
	case !errors.Is(err, command.ErrNotFound):
		return nil, err
	}

	items, err := queue.New(db).ByCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		report.Messages = append(report.Messages, Message{
			ID:          it.ID,
			Status:      string(it.Status),
			Attempt:     it.Attempt,
			CallbackURL: it.Message.CallbackURL,
			LastError:   it.LastError,
		})
	}

	if report.Result == nil && len(report.Messages) == 0 {
		return nil, fmt.Errorf("command %q not found", commandID)
	}

	store := workflow.NewStore(db)
	for _, m := range report.Messages {
		if err := collect(ctx, store, dispatch.MessageInstanceID(m.ID), 0, false, report); err != nil {
			return nil, err
		}
	}
	if err := collect(ctx, store, dispatch.CommandInstanceID(commandID), 1, true, report); err != nil {
		return nil, err
	}
	return report, nil
}

// collect appends the instance id and, when recurse is set, its children.
// Missing instances are skipped: they were pruned or never started.
func collect(ctx context.Context, store *workflow.Store, id string, depth int, recurse bool, report *Report) error {
	inst, err := store.Get(ctx, id)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return appendTree(ctx, store, inst, depth, recurse, report)
}

func appendTree(ctx context.Context, store *workflow.Store, inst *workflow.Instance, depth int, recurse bool, report *Report) error {
	entry := Instance{
		Depth:      depth,
		ID:         inst.ID,
		Workflow:   inst.Workflow,
		Status:     string(inst.Status),
		WakeAt:     inst.WakeAt,
		Failure:    inst.Failure,
		Checkpoint: inst.Checkpoint,
	}

	history, err := store.History(ctx, inst.ID)
	if err != nil {
		return err
	}
	seqs := make([]int, 0, len(history))
	for seq := range history {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	for _, seq := range seqs {
		ev := history[seq]
		step := Step{Seq: ev.Seq, Kind: string(ev.Kind), Name: ev.Name, FireAt: ev.FireAt}
		if ev.Failure != nil {
			step.Failure = ev.Failure.Message
		}
		entry.Steps = append(entry.Steps, step)
	}
	report.Instances = append(report.Instances, entry)

	if !recurse {
		return nil
	}
	children, err := store.Children(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := appendTree(ctx, store, child, depth+1, true, report); err != nil {
			return err
		}
	}
	return nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func writeIndented(out *strings.Builder, text, indent string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fmt.Fprintf(out, "%s%s\n", indent, line)
	}
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
