package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.yaml"), "service:\n  name: test\n")

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "sinks.yaml"}, true)
	require.NoError(t, err)

	assert.False(t, report.Written)
	require.Len(t, report.Files, 2)
	assert.True(t, report.Files[0].Exists)
	assert.NotEmpty(t, report.Files[0].Hash)
	assert.False(t, report.Files[1].Exists)
	assert.Empty(t, report.Files[1].Hash)

	_, err = os.Stat(filepath.Join(tmpDir, ChecksumFile))
	assert.True(t, os.IsNotExist(err), "dry run must not write a manifest")
}

func TestGenerateChecksumsWithReportWritesChecksums(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.yaml"), "service:\n  name: test\n")
	writeFile(t, filepath.Join(tmpDir, "sinks.yaml"), "sinks: {}\n")

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "sinks.yaml"}, false)
	require.NoError(t, err)
	assert.True(t, report.Written)

	manifest, err := LoadChecksums(tmpDir)
	require.NoError(t, err)
	assert.Len(t, manifest.Hashes, 2)

	for name, hash := range manifest.Hashes {
		assert.NoError(t, VerifyFileHash(filepath.Join(tmpDir, name), hash))
	}
}

func TestVerifyFileHashMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "a: 1\n")

	err := VerifyFileHash(path, "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch for config.yaml")
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conductor config lock")
}

func TestLockCoversIncludeTree(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "conf.d")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	writeFile(t, filepath.Join(root, "config.yaml"), minimalConfig+"include:\n  - conf.d/types.yaml\n")
	writeFile(t, filepath.Join(sub, "types.yaml"), "types:\n  - name: Extra\n")

	reports, err := Lock(root, false)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	rootManifest, err := LoadChecksums(root)
	require.NoError(t, err)
	assert.Contains(t, rootManifest.Hashes, "config.yaml")

	subManifest, err := LoadChecksums(sub)
	require.NoError(t, err)
	assert.Contains(t, subManifest.Hashes, "types.yaml")

	_, err = Load(root)
	require.NoError(t, err)

	// Editing a locked file must fail the next load.
	writeFile(t, filepath.Join(sub, "types.yaml"), "types:\n  - name: Tampered\n")
	_, err = Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config verification failed")
}
