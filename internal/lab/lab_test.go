package lab

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/repxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(t *testing.T, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// buildFixtureLab writes a minimal, valid lab directory tree to dir and
// returns the manifest path.
func buildFixtureLab(t *testing.T, dir string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lab"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "jobs", "job1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "host-tools", "x86_64-linux", "bin"), 0755))

	scriptContent := []byte("#!/bin/sh\necho hi\n")
	scriptPath := filepath.Join(dir, "jobs", "job1", "run.sh")
	require.NoError(t, os.WriteFile(scriptPath, scriptContent, 0755))

	runMeta := map[string]any{
		"name": "run1",
		"jobs": map[string]any{
			"job1": map[string]any{
				"stage_type": "simple",
				"executables": map[string]any{
					"main": map[string]any{
						"path": "run.sh",
						"outputs": map[string]string{
							"result": "$out/result.txt",
						},
					},
				},
			},
		},
	}
	runMetaBytes, err := json.Marshal(runMeta)
	require.NoError(t, err)
	runMetaPath := filepath.Join(dir, "lab", "run1-metadata.json")
	require.NoError(t, os.WriteFile(runMetaPath, runMetaBytes, 0644))

	rootMeta := map[string]any{
		"runs":         []string{"lab/run1-metadata.json"},
		"gitHash":      "deadbeef",
		"repx_version": ExpectedRepxVersion,
		"groups":       map[string][]string{"all": {"run1"}},
	}
	rootMetaBytes, err := json.Marshal(rootMeta)
	require.NoError(t, err)
	rootMetaPath := filepath.Join(dir, "lab", "root-metadata.json")
	require.NoError(t, os.WriteFile(rootMetaPath, rootMetaBytes, 0644))

	manifest := map[string]any{
		"labId":       "contenthash123",
		"lab_version": "1.0.0",
		"metadata":    "lab/root-metadata.json",
		"files": []map[string]string{
			{"path": "lab/run1-metadata.json", "sha256": sha256Hex(t, runMetaBytes)},
			{"path": "lab/root-metadata.json", "sha256": sha256Hex(t, rootMetaBytes)},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestPath := filepath.Join(dir, "lab", "hash123-lab-metadata.json")
	require.NoError(t, os.WriteFile(manifestPath, manifestBytes, 0644))

	return manifestPath
}

func TestLoadFromPathValidLab(t *testing.T) {
	dir := t.TempDir()
	buildFixtureLab(t, dir)

	l, err := LoadFromPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "contenthash123", l.ContentHash)
	assert.Equal(t, "1.0.0", l.LabVersion)
	require.Contains(t, l.Runs, model.RunId("run1"))
	require.Contains(t, l.Jobs, model.JobId("job1"))
	assert.Contains(t, l.Groups, "all")
	assert.Equal(t, "x86_64-linux", l.HostToolsDirName)
}

func TestLoadFromPathMissingDirectory(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	var notFound *repxerr.LabNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestVerifyFileIntegrityHashMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello"), 0644))

	err := verifyFileIntegrity(dir, []fileEntry{{Path: "f.txt", Sha256: "deadbeef"}})
	require.Error(t, err)
	var mismatch *repxerr.IntegrityHashMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestVerifyFileIntegrityMissingFile(t *testing.T) {
	dir := t.TempDir()
	err := verifyFileIntegrity(dir, []fileEntry{{Path: "missing.txt", Sha256: "x"}})
	require.Error(t, err)
	var missing *repxerr.IntegrityFileMissing
	assert.ErrorAs(t, err, &missing)
}
