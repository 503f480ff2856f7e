package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageHash(t *testing.T) {
	assert.Equal(t, "image-abc123", ParseImageHash("image-abc123.tar.gz"))
	assert.Equal(t, "image-abc123", ParseImageHash("image-abc123.tar"))
	assert.Equal(t, "image-abc123", ParseImageHash("image-abc123"))
}

func TestLayerHashFromPath(t *testing.T) {
	assert.Equal(t, "deadbeef", LayerHashFromPath("deadbeef/layer.tar"))
	assert.Equal(t, "solo.tar", LayerHashFromPath("solo.tar"))
}

func TestPlaceImageTagReplacesExistingSymlink(t *testing.T) {
	dir := t.TempDir()
	sourceA := filepath.Join(dir, "a")
	sourceB := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(sourceA, 0755))
	require.NoError(t, os.Mkdir(sourceB, 0755))

	dest := filepath.Join(dir, "tag")
	require.NoError(t, PlaceImageTag(sourceA, dest))
	target, err := os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, sourceA, target)

	require.NoError(t, PlaceImageTag(sourceB, dest))
	target, err = os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, sourceB, target)
}

func TestPlaceImageTagReplacesRealDirectory(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "src")
	require.NoError(t, os.Mkdir(source, 0755))

	dest := filepath.Join(dir, "tag")
	require.NoError(t, os.Mkdir(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("x"), 0644))

	require.NoError(t, PlaceImageTag(source, dest))
	info, err := os.Lstat(dest)
	require.NoError(t, err)
	assert.True(t, info.Mode()&os.ModeSymlink != 0)
}
