package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/conductor/internal/storage"
)

const instanceColumns = `id, workflow, status, input, checkpoint, wake_at, parent_id, await_id,
  result, failure, advances, created_at, updated_at, completed_at`

// Store persists instances and replay history.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already bootstrapped database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts inst unless an instance with the same id exists. It returns
// the stored instance and whether this call created it.
func (s *Store) Create(ctx context.Context, inst *Instance) (*Instance, bool, error) {
	if inst.ID == "" {
		return nil, false, fmt.Errorf("instance id is empty")
	}
	if inst.Workflow == "" {
		return nil, false, fmt.Errorf("workflow name is empty")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_instances(id, workflow, status, input, parent_id, wake_at, advances, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, inst.ID, inst.Workflow, string(StatusPending), nullJSON(inst.Input), nullString(inst.ParentID),
		storage.NullTime(inst.WakeAt), storage.FormatTime(inst.CreatedAt), storage.FormatTime(inst.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert instance rows affected: %w", err)
	}
	stored, err := s.Get(ctx, inst.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// Get loads one instance.
func (s *Store) Get(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?;`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// Children lists instances started by parentID, oldest first.
func (s *Store) Children(ctx context.Context, parentID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+`
FROM workflow_instances WHERE parent_id = ? ORDER BY created_at ASC, id ASC;`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", parentID, err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ClaimDue atomically moves the oldest due instance to running and returns
// it. It returns (nil, nil) when nothing is due.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*Instance, error) {
	ts := storage.FormatTime(now)
	row := s.db.QueryRowContext(ctx, `
UPDATE workflow_instances
SET status = 'running', updated_at = ?
WHERE id = (
  SELECT id FROM workflow_instances
  WHERE (status = 'pending' AND (wake_at IS NULL OR wake_at <= ?))
     OR (status = 'waiting' AND wake_at IS NOT NULL AND wake_at <= ?)
  ORDER BY COALESCE(wake_at, created_at) ASC, rowid ASC
  LIMIT 1
)
RETURNING `+instanceColumns+`;
`, ts, ts, ts)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim instance: %w", err)
	}
	return inst, nil
}

// Save persists the mutable fields of inst after an advance.
func (s *Store) Save(ctx context.Context, inst *Instance) error {
	var failure any
	if inst.Failure != nil {
		raw, err := json.Marshal(inst.Failure)
		if err != nil {
			return fmt.Errorf("encode failure: %w", err)
		}
		failure = string(raw)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_instances
SET status = ?, checkpoint = ?, wake_at = ?, await_id = ?, result = ?, failure = ?,
    advances = ?, updated_at = ?, completed_at = ?
WHERE id = ?;
`, string(inst.Status), nullJSON(inst.Checkpoint), storage.NullTime(inst.WakeAt), nullString(inst.AwaitID),
		nullJSON(inst.Result), failure, inst.Advances, storage.FormatTime(inst.UpdatedAt),
		storage.NullTime(inst.CompletedAt), inst.ID)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCheckpoint stores checkpoint state without changing status.
func (s *Store) SaveCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE workflow_instances SET checkpoint = ?, updated_at = ? WHERE id = ?;
`, nullJSON(checkpoint), storage.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// WakeAwaiting moves every instance waiting on childID back to pending.
func (s *Store) WakeAwaiting(ctx context.Context, childID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_instances
SET status = 'pending', await_id = NULL, wake_at = NULL, updated_at = ?
WHERE status = 'waiting' AND await_id = ?;
`, storage.FormatTime(now), childID)
	if err != nil {
		return 0, fmt.Errorf("wake waiters of %s: %w", childID, err)
	}
	return res.RowsAffected()
}

// RecoverRunning resets instances left running by a crashed process.
func (s *Store) RecoverRunning(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_instances SET status = 'pending', updated_at = ? WHERE status = 'running';
`, storage.FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("recover running instances: %w", err)
	}
	return res.RowsAffected()
}

// PruneTerminal deletes terminal instances (and their history) that
// finished before cutoff.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := storage.FormatTime(cutoff)
	if _, err := tx.ExecContext(ctx, `
DELETE FROM workflow_history WHERE instance_id IN (
  SELECT id FROM workflow_instances
  WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?
);`, ts); err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM workflow_instances
WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?;
`, ts)
	if err != nil {
		return 0, fmt.Errorf("prune instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}
	return n, nil
}

// CountByStatus reports how many instances are in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_instances GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan instance count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// History returns the recorded events of a replay instance keyed by seq.
func (s *Store) History(ctx context.Context, id string) (map[int]HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, kind, name, result, failure, fire_at, recorded_at
FROM workflow_history WHERE instance_id = ? ORDER BY seq ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", id, err)
	}
	defer rows.Close()

	out := map[int]HistoryEvent{}
	for rows.Next() {
		var (
			ev                      HistoryEvent
			kind                    string
			result, failure, fireAt sql.NullString
			recordedAt              string
		)
		if err := rows.Scan(&ev.Seq, &kind, &ev.Name, &result, &failure, &fireAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ev.InstanceID = id
		ev.Kind = EventKind(kind)
		if result.Valid {
			ev.Result = json.RawMessage(result.String)
		}
		if failure.Valid {
			ev.Failure = &Failure{}
			if err := json.Unmarshal([]byte(failure.String), ev.Failure); err != nil {
				return nil, fmt.Errorf("decode history failure: %w", err)
			}
		}
		if ev.FireAt, err = storage.ScanTime(fireAt); err != nil {
			return nil, fmt.Errorf("parse fire_at: %w", err)
		}
		if ev.RecordedAt, err = storage.ParseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out[ev.Seq] = ev
	}
	return out, rows.Err()
}

// AppendHistory records one event. Recording the same seq twice is an error.
func (s *Store) AppendHistory(ctx context.Context, ev HistoryEvent) error {
	var failure any
	if ev.Failure != nil {
		raw, err := json.Marshal(ev.Failure)
		if err != nil {
			return fmt.Errorf("encode history failure: %w", err)
		}
		failure = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_history(instance_id, seq, kind, name, result, failure, fire_at, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, ev.InstanceID, ev.Seq, string(ev.Kind), ev.Name, nullJSON(ev.Result), failure,
		storage.NullTime(ev.FireAt), storage.FormatTime(ev.RecordedAt))
	if err != nil {
		return fmt.Errorf("append history %s#%d: %w", ev.InstanceID, ev.Seq, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst                                 Instance
		status                               string
		input, checkpoint, result, failure   sql.NullString
		wakeAt, parentID, awaitID, completed sql.NullString
		createdAt, updatedAt                 string
	)
	if err := row.Scan(&inst.ID, &inst.Workflow, &status, &input, &checkpoint, &wakeAt, &parentID, &awaitID,
		&result, &failure, &inst.Advances, &createdAt, &updatedAt, &completed); err != nil {
		return nil, err
	}
	inst.Status = Status(status)
	if input.Valid {
		inst.Input = json.RawMessage(input.String)
	}
	if checkpoint.Valid {
		inst.Checkpoint = json.RawMessage(checkpoint.String)
	}
	if result.Valid {
		inst.Result = json.RawMessage(result.String)
	}
	if failure.Valid {
		inst.Failure = &Failure{}
		if err := json.Unmarshal([]byte(failure.String), inst.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	inst.ParentID = parentID.String
	inst.AwaitID = awaitID.String

	var err error
	if inst.WakeAt, err = storage.ScanTime(wakeAt); err != nil {
		return nil, fmt.Errorf("parse wake_at: %w", err)
	}
	if inst.CompletedAt, err = storage.ScanTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if inst.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &inst, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
