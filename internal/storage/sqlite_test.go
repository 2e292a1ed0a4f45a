package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"command_queue", "command_results", "workflow_instances", "workflow_history"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, BootstrapSQLite(context.Background(), db))
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestFormatTimeSortsAsText(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)

	a, b := FormatTime(base), FormatTime(later)
	assert.Len(t, a, len(b))
	assert.Less(t, a, b)

	parsed, err := ParseTime(b)
	require.NoError(t, err)
	assert.True(t, later.Equal(parsed))
}

func TestNullTimeRoundTrip(t *testing.T) {
	assert.False(t, NullTime(nil).Valid)

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	got, err := ScanTime(NullTime(&now))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
