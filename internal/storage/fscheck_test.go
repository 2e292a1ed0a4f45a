package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFS(name string) func(string) (string, error) {
	return func(string) (string, error) { return name, nil }
}

func TestCheckLocalFilesystemAllowsLocal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	assert.NoError(t, checkLocalFilesystem(dbPath, fixedFS("ext4")))
}

func TestCheckLocalFilesystemRejectsNetwork(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	err := checkLocalFilesystem(dbPath, fixedFS("nfs"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkFilesystem)
	assert.Contains(t, err.Error(), "state.path")
}

func TestCheckLocalFilesystemInspectsNearestExistingParent(t *testing.T) {
	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "a", "b", "conductor.db"), func(p string) (string, error) {
		inspected = p
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestCheckLocalFilesystemDetection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "conductor.db")

	err := checkLocalFilesystem(dbPath, func(string) (string, error) { return "", errDetectUnsupported })
	assert.NoError(t, err, "unsupported platforms pass")

	err = checkLocalFilesystem(dbPath, func(string) (string, error) { return "", errors.New("boom") })
	assert.Error(t, err)

	assert.Error(t, checkLocalFilesystem("", fixedFS("ext4")))
}

func TestIsNetworkFilesystem(t *testing.T) {
	for fs, want := range map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" cifs ": true,
		"apfs":   false,
		"0x6969": false,
	} {
		assert.Equal(t, want, isNetworkFilesystem(fs), fs)
	}
}
