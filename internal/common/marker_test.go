package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMarkerCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), MarkerSuccess)
	require.NoError(t, WriteMarker(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestWriteMarkerOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), MarkerFail)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, WriteMarker(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestWriteMarkerMissingDirectory(t *testing.T) {
	assert.Error(t, WriteMarker(filepath.Join(t.TempDir(), "no", "such", "dir", MarkerSuccess)))
}

func TestNewAutoGCRootNameOrdersLexically(t *testing.T) {
	assert.Less(t, NewAutoGCRootName(100, "h"), NewAutoGCRootName(200, "h"))
	assert.Equal(t, "42_abc", NewAutoGCRootName(42, "abc"))
}
