package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/storage"
)

// DefaultMaxOutputBytes caps a stored result output.
const DefaultMaxOutputBytes = 1 << 20

// Store persists command results. Status only moves forward: unknown,
// running, then completed or failed. The first terminal write wins.
type Store struct {
	db             *sql.DB
	now            func() time.Time
	maxOutputBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:             db,
		now:            time.Now,
		maxOutputBytes: DefaultMaxOutputBytes,
	}
}

// WithClock overrides the time source used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns the stored result for commandID or command.ErrNotFound.
func (s *Store) Get(ctx context.Context, commandID string) (command.Result, error) {
	if commandID == "" {
		return command.Result{}, fmt.Errorf("command id is empty")
	}
	r, err := getResult(ctx, s.db, commandID)
	if errors.Is(err, sql.ErrNoRows) {
		return command.Result{}, fmt.Errorf("%w: %s", command.ErrNotFound, commandID)
	}
	if err != nil {
		return command.Result{}, fmt.Errorf("read command result: %w", err)
	}
	return r, nil
}

// MarkRunning creates the result as running or advances it to running. A
// result that is already terminal is returned unchanged.
func (s *Store) MarkRunning(ctx context.Context, commandID string) (command.Result, error) {
	if commandID == "" {
		return command.Result{}, fmt.Errorf("command id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return command.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getResult(ctx, tx, commandID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return command.Result{}, fmt.Errorf("read command result: %w", err)
	case !cur.Status.CanTransition(command.StatusRunning):
		return cur, nil
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
INSERT INTO command_results(command_id, status, created_at, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(command_id) DO UPDATE SET
  status = excluded.status,
  updated_at = excluded.updated_at;
`, commandID, command.StatusRunning, storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		return command.Result{}, fmt.Errorf("upsert command result: %w", err)
	}

	out, err := getResult(ctx, tx, commandID)
	if err != nil {
		return command.Result{}, fmt.Errorf("read command result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return command.Result{}, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// Finish stores a terminal result. If the command already has a terminal
// result, that one is returned and r is discarded.
func (s *Store) Finish(ctx context.Context, r command.Result) (command.Result, error) {
	if r.CommandID == "" {
		return command.Result{}, fmt.Errorf("command id is empty")
	}
	if !r.Status.Terminal() {
		return command.Result{}, fmt.Errorf("finish with non-terminal status %q", r.Status)
	}
	if len(r.Output) > 0 && !json.Valid(r.Output) {
		return command.Result{}, fmt.Errorf("result output is invalid JSON")
	}
	if len(r.Output) > s.maxOutputBytes {
		return command.Result{}, fmt.Errorf("result output exceeds max size (%d bytes)", s.maxOutputBytes)
	}

	errs := r.Errors
	if errs == nil {
		errs = []command.ErrorDetail{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return command.Result{}, fmt.Errorf("marshal result errors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return command.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getResult(ctx, tx, r.CommandID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return command.Result{}, fmt.Errorf("read command result: %w", err)
	case cur.Status.Terminal():
		return cur, nil
	}

	now := storage.FormatTime(s.now())
	var output any
	if len(r.Output) > 0 {
		output = string(r.Output)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO command_results(command_id, status, custom_status, errors, output, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(command_id) DO UPDATE SET
  status = excluded.status,
  custom_status = COALESCE(excluded.custom_status, command_results.custom_status),
  errors = excluded.errors,
  output = excluded.output,
  updated_at = excluded.updated_at;
`, r.CommandID, r.Status, nullString(r.CustomStatus), string(errsJSON), output, now, now)
	if err != nil {
		return command.Result{}, fmt.Errorf("upsert command result: %w", err)
	}

	out, err := getResult(ctx, tx, r.CommandID)
	if err != nil {
		return command.Result{}, fmt.Errorf("read command result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return command.Result{}, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// SetCustomStatus records a handler-defined progress note on a result.
func (s *Store) SetCustomStatus(ctx context.Context, commandID, custom string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE command_results
SET custom_status = ?, updated_at = ?
WHERE command_id = ?;
`, nullString(custom), storage.FormatTime(s.now()), commandID)
	if err != nil {
		return fmt.Errorf("set custom status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", command.ErrNotFound, commandID)
	}
	return nil
}

// Prune deletes terminal results last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM command_results
WHERE status IN (?, ?) AND updated_at < ?;
`, command.StatusCompleted, command.StatusFailed, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune command results: %w", err)
	}
	return res.RowsAffected()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getResult(ctx context.Context, q queryer, commandID string) (command.Result, error) {
	var (
		r          command.Result
		statusS    string
		custom     sql.NullString
		errsJSON   string
		output     sql.NullString
		createdAtS string
		updatedAtS string
	)
	err := q.QueryRowContext(ctx, `
SELECT command_id, status, custom_status, errors, output, created_at, updated_at
FROM command_results
WHERE command_id = ?;
`, commandID).Scan(&r.CommandID, &statusS, &custom, &errsJSON, &output, &createdAtS, &updatedAtS)
	if err != nil {
		return command.Result{}, err
	}

	r.Status = command.Status(statusS)
	r.CustomStatus = custom.String
	if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
		return command.Result{}, fmt.Errorf("decode stored errors: %w", err)
	}
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	if r.CreatedAt, err = storage.ParseTime(createdAtS); err != nil {
		return command.Result{}, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = storage.ParseTime(updatedAtS); err != nil {
		return command.Result{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
