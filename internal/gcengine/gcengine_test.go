package gcengine

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectNoGcrootsIsNoop(t *testing.T) {
	base := t.TempDir()
	msg, err := Collect(base)
	require.NoError(t, err)
	assert.Contains(t, msg, "nothing to collect")
}

func TestCollectSweepsUnreferencedArtifactsAndOutputs(t *testing.T) {
	base := t.TempDir()

	artifacts := filepath.Join(base, "artifacts")
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "bin"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "stale-entry"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "store", "used-layer"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "store", "unused-layer"), 0755))

	outputs := filepath.Join(base, "outputs")
	require.NoError(t, os.MkdirAll(filepath.Join(outputs, "stale-job"), 0755))

	require.NoError(t, os.MkdirAll(filepath.Join(base, "gcroots", "pinned"), 0755))

	msg, err := Collect(base)
	require.NoError(t, err)
	assert.Contains(t, msg, "garbage collection complete")

	assert.DirExists(t, filepath.Join(artifacts, "bin"))
	assert.NoDirExists(t, filepath.Join(artifacts, "stale-entry"))
	assert.NoDirExists(t, filepath.Join(artifacts, "store", "unused-layer"))
	assert.NoDirExists(t, filepath.Join(outputs, "stale-job"))
}

// buildArtifactLab writes a minimal valid lab under base/artifacts and
// returns the manifest path a GC root symlink can point at.
func buildArtifactLab(t *testing.T, base string) string {
	t.Helper()
	artifacts := filepath.Join(base, "artifacts")

	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "lab"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "jobs", "job1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "host-tools", "x86_64-linux", "bin"), 0755))

	runMetaBytes := []byte(`{"name":"run1","jobs":{"job1":{"stage_type":"simple","executables":{"main":{"path":"run.sh","outputs":{"r":"$out/r.txt"}}}}}}`)
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "lab", "run1-metadata.json"), runMetaBytes, 0644))

	rootMetaBytes := []byte(`{"runs":["lab/run1-metadata.json"],"gitHash":"deadbeef","repx_version":"0.1.0","groups":{}}`)
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "lab", "root-metadata.json"), rootMetaBytes, 0644))

	manifest := []byte(`{"labId":"hash123","lab_version":"1.0.0","metadata":"lab/root-metadata.json","files":[` +
		`{"path":"lab/run1-metadata.json","sha256":"` + sha256Hex(runMetaBytes) + `"},` +
		`{"path":"lab/root-metadata.json","sha256":"` + sha256Hex(rootMetaBytes) + `"}]}`)
	manifestPath := filepath.Join(artifacts, "lab", "hash123-lab-metadata.json")
	require.NoError(t, os.WriteFile(manifestPath, manifest, 0644))

	return manifestPath
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestCollectPinnedRootKeepsLabAndItsOutputs(t *testing.T) {
	base := t.TempDir()
	manifestPath := buildArtifactLab(t, base)

	outputs := filepath.Join(base, "outputs")
	require.NoError(t, os.MkdirAll(filepath.Join(outputs, "job1", "out"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(outputs, "stale-job"), 0755))

	pinnedDir := filepath.Join(base, "gcroots", "pinned")
	require.NoError(t, os.MkdirAll(pinnedDir, 0755))
	require.NoError(t, os.Symlink(manifestPath, filepath.Join(pinnedDir, "keep")))

	_, err := Collect(base)
	require.NoError(t, err)

	// The pinned lab's metadata, job package, and outputs all survive.
	assert.FileExists(t, manifestPath)
	assert.DirExists(t, filepath.Join(base, "artifacts", "jobs", "job1"))
	assert.DirExists(t, filepath.Join(outputs, "job1"))

	// Anything the lab doesn't reference is swept.
	assert.NoDirExists(t, filepath.Join(outputs, "stale-job"))
}

func TestCollectBrokenSymlinkDoesNotHalt(t *testing.T) {
	base := t.TempDir()
	pinnedDir := filepath.Join(base, "gcroots", "pinned")
	require.NoError(t, os.MkdirAll(pinnedDir, 0755))
	require.NoError(t, os.Symlink(filepath.Join(base, "artifacts", "gone"), filepath.Join(pinnedDir, "dangling")))

	_, err := Collect(base)
	assert.NoError(t, err)
}

func TestFirstPathComponent(t *testing.T) {
	assert.Equal(t, "jobs", firstPathComponent("jobs/abc123/bin/tool"))
	assert.Equal(t, "readme.md", firstPathComponent("readme.md"))
}
