package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	lockPath := PathFor(filepath.Join(t.TempDir(), "conductor.db"))
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	pid, err := ReadPID(lockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, lockPath, l.Path())
}

func TestAcquireWhileHeld(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nested", "conductor.db.lock")
	first, err := Acquire(lockPath)
	require.NoError(t, err)

	_, err = Acquire(lockPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHeld), "got %v", err)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(lockPath)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}
