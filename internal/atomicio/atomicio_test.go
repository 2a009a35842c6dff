package atomicio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	content := []byte(`{"state":"HOLDING"}`)

	require.NoError(t, WriteFile(path, content, 0644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteFileCleansUpTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteFile(path, []byte("x"), 0644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the final file should remain, no leftover .tmp.<pid>")
}

func TestWriteFileOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteFile(path, []byte("first"), 0644))
	require.NoError(t, WriteFile(path, []byte("second"), 0644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestWriteFileInvalidDirectory(t *testing.T) {
	err := WriteFile("/nonexistent-dir-xyz/state.json", []byte("x"), 0644)
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	assert.False(t, Exists(path))
	require.NoError(t, WriteFile(path, []byte("x"), 0644))
	assert.True(t, Exists(path))
}
