package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is a fixed-width UTC layout so stored timestamps compare
// correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeLayout, s)
}

// NullTime renders an optional timestamp column.
func NullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ScanTime parses an optional timestamp column.
func ScanTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode = WAL;", "enable wal"},
		{"PRAGMA foreign_keys = ON;", "enable foreign_keys"},
		{"PRAGMA busy_timeout = 5000;", "set busy_timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_queue (
  id            TEXT PRIMARY KEY,
  command_id    TEXT NOT NULL,
  command_type  TEXT NOT NULL,
  message       JSON NOT NULL,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL,
  claimed_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS command_results (
  command_id    TEXT PRIMARY KEY,
  status        TEXT NOT NULL,
  custom_status TEXT,
  errors        JSON NOT NULL DEFAULT '[]',
  output        JSON,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
  id            TEXT PRIMARY KEY,
  workflow      TEXT NOT NULL,
  status        TEXT NOT NULL,
  input         JSON,
  checkpoint    JSON,
  wake_at       TEXT,
  parent_id     TEXT,
  await_id      TEXT,
  result        JSON,
  failure       JSON,
  advances      INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL,
  completed_at  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS workflow_history (
  instance_id   TEXT NOT NULL,
  seq           INTEGER NOT NULL,
  kind          TEXT NOT NULL,
  name          TEXT NOT NULL,
  result        JSON,
  failure       JSON,
  fire_at       TEXT,
  recorded_at   TEXT NOT NULL,
  PRIMARY KEY (instance_id, seq),
  FOREIGN KEY (instance_id) REFERENCES workflow_instances(id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS command_queue_status_created_at_idx ON command_queue(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS workflow_instances_status_wake_idx ON workflow_instances(status, wake_at);`,
		`CREATE INDEX IF NOT EXISTS workflow_instances_await_idx ON workflow_instances(await_id) WHERE await_id IS NOT NULL;`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
