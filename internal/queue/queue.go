package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/storage"
)

const maxErrorBytes = 4 * 1024

// Queue is the sqlite-backed intake buffer between the API and the
// dispatch workflow.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// WithClock overrides the time source used for timestamps.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue stores msg for dispatch. A missing message id is generated and a
// zero ReceivedAt is stamped. The stored message is returned.
func (q *Queue) Enqueue(ctx context.Context, msg command.Message) (command.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := q.now().UTC()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	if err := msg.Validate(); err != nil {
		return command.Message{}, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return command.Message{}, fmt.Errorf("encode message: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO command_queue(id, command_id, command_type, message, status, attempt, created_at)
VALUES(?, ?, ?, ?, ?, 0, ?)
ON CONFLICT(id) DO NOTHING;
`, msg.ID, msg.Command.ID, msg.Command.Type, string(body), StatusQueued, storage.FormatTime(now))
	if err != nil {
		return command.Message{}, fmt.Errorf("enqueue message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return command.Message{}, fmt.Errorf("enqueue message: %w", err)
	}
	if n == 0 {
		return command.Message{}, fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}
	return msg, nil
}

// Dequeue claims the oldest queued message. Returns (nil, nil) if the queue
// is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	nowS := storage.FormatTime(q.now())

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM command_queue
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE command_queue
SET status = ?, claimed_at = ?, attempt = attempt + 1
WHERE id IN (SELECT id FROM next)
RETURNING `+itemColumns+`;
`, StatusQueued, StatusClaimed, nowS)

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue message: %w", err)
	}
	return it, nil
}

// Complete marks a claimed item handled. A non-nil lastError records why
// it failed.
func (q *Queue) Complete(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if status != StatusDone && status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	var errVal any
	if lastError != nil {
		s := *lastError
		if len(s) > maxErrorBytes {
			s = s[:maxErrorBytes]
		}
		errVal = s
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE command_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, storage.FormatTime(q.now()), errVal, id)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Release returns a claimed item to the queue so it is retried.
func (q *Queue) Release(ctx context.Context, id string, reason string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE command_queue
SET status = ?, claimed_at = NULL, last_error = ?
WHERE id = ? AND status = ?;
`, StatusQueued, reason, id, StatusClaimed)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// RecoverClaimed re-queues items claimed by a process that stopped before
// completing them. Starting a dispatch is idempotent, so replaying them is
// safe.
func (q *Queue) RecoverClaimed(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE command_queue
SET status = ?, claimed_at = NULL
WHERE status = ?;
`, StatusQueued, StatusClaimed)
	if err != nil {
		return 0, fmt.Errorf("recover claimed messages: %w", err)
	}
	return res.RowsAffected()
}

// Get returns the queue item for a message id.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM command_queue WHERE id = ?;`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return it, nil
}

// ByCommand lists every message carrying commandID, oldest first.
func (q *Queue) ByCommand(ctx context.Context, commandID string) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+itemColumns+`
FROM command_queue WHERE command_id = ? ORDER BY created_at ASC, id ASC;`, commandID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", commandID, err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Depth counts items not yet handled.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM command_queue WHERE status IN (?, ?);
`, StatusQueued, StatusClaimed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Prune deletes handled items completed before cutoff.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM command_queue
WHERE status IN (?, ?) AND completed_at < ?;
`, StatusDone, StatusFailed, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	}
	return res.RowsAffected()
}

const itemColumns = `id, command_id, command_type, message, status, attempt, created_at, claimed_at, completed_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it           Item
		message      string
		statusS      string
		createdAtS   string
		claimedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&it.ID, &it.CommandID, &it.CommandType, &message, &statusS, &it.Attempt,
		&createdAtS, &claimedAtS, &completedAtS, &lastError,
	); err != nil {
		return nil, err
	}

	it.Status = Status(statusS)
	if err := json.Unmarshal([]byte(message), &it.Message); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", it.ID, err)
	}
	var err error
	if it.CreatedAt, err = storage.ParseTime(createdAtS); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if it.ClaimedAt, err = storage.ScanTime(claimedAtS); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if it.CompletedAt, err = storage.ScanTime(completedAtS); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if lastError.Valid {
		it.LastError = &lastError.String
	}
	return &it, nil
}
