package target

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/repx-org/repx/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"with space":   "'with space'",
		"don't":        `'don'\''t'`,
		"":             "''",
		"$HOME;rm -rf": "'$HOME;rm -rf'",
	}
	for in, want := range cases {
		assert.Equal(t, want, shellQuote(in))
	}
}

func TestComputeFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	hash, err := computeFileHash(path)
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)

	again, err := computeFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	_, err = computeFileHash(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestGenerateGCLinkNameOrdersByTime(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	n0 := generateGCLinkName(t0, "abc")
	n1 := generateGCLinkName(t1, "abc")

	assert.True(t, strings.HasSuffix(n0, "_abc"))
	assert.Less(t, n0, n1)
}

func TestNewDispatchesByKind(t *testing.T) {
	local, err := New("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &LocalTarget{}, local)

	// Empty kind defaults to local.
	local, err = New("x", common.Target{RemoteRoot: t.TempDir()}, "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &LocalTarget{}, local)

	ssh, err := New("cluster", common.Target{Kind: "ssh", Host: "head.example.org", User: "alice"}, "", "", "tools")
	require.NoError(t, err)
	require.IsType(t, &SSHTarget{}, ssh)
	assert.Equal(t, "alice@head.example.org", ssh.(*SSHTarget).address)

	ssh, err = New("adhoc", common.Target{Kind: "ssh"}, "bob@other.example.org", "", "tools")
	require.NoError(t, err)
	assert.Equal(t, "bob@other.example.org", ssh.(*SSHTarget).address)

	_, err = New("bad", common.Target{Kind: "ssh"}, "", "", "")
	assert.Error(t, err)

	_, err = New("bad", common.Target{Kind: "teleport"}, "", "", "")
	assert.Error(t, err)
}

func newLocal(t *testing.T) *LocalTarget {
	t.Helper()
	return NewLocalTarget("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "")
}

func TestLocalTargetFileRoundTrip(t *testing.T) {
	tgt := newLocal(t)

	path := filepath.Join(tgt.BasePath(), "sub", "dir", "f.txt")
	require.NoError(t, tgt.WriteRemoteFile(path, "line1\nline2\nline3\n"))

	content, err := tgt.ReadRemoteFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3\n", content)

	tail, err := tgt.ReadFileTail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"line2", "line3"}, tail)

	tail, err = tgt.ReadFileTail(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"line1", "line2", "line3"}, tail)

	_, err = tgt.ReadFileTail(filepath.Join(tgt.BasePath(), "nope"), 5)
	assert.Error(t, err)
}

func TestLocalTargetDeployBinaryIdempotent(t *testing.T) {
	tgt := newLocal(t)

	src := filepath.Join(t.TempDir(), "fake-repx")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho repx 0.0.0\n"), 0o755))

	first, err := tgt.deployBinaryFrom(src, "repx")
	require.NoError(t, err)
	assert.FileExists(t, first)
	assert.True(t, strings.HasPrefix(first, filepath.Join(tgt.BasePath(), "bin")))

	second, err := tgt.deployBinaryFrom(src, "repx")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different source lands under a different hash directory.
	src2 := filepath.Join(t.TempDir(), "fake-repx")
	require.NoError(t, os.WriteFile(src2, []byte("#!/bin/sh\necho repx 0.0.1\n"), 0o755))
	third, err := tgt.deployBinaryFrom(src2, "repx")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestLocalTargetGcRoots(t *testing.T) {
	tgt := newLocal(t)

	require.NoError(t, tgt.PinGcRoot("labhash1", "keep-me"))

	roots, err := tgt.ListGcRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, GcRootPinned, roots[0].Kind)
	assert.Equal(t, "keep-me", roots[0].Name)
	assert.Equal(t, labManifestPath(tgt.BasePath(), "labhash1"), roots[0].Target)

	// Re-pinning the same name replaces, not duplicates.
	require.NoError(t, tgt.PinGcRoot("labhash2", "keep-me"))
	roots, err = tgt.ListGcRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, labManifestPath(tgt.BasePath(), "labhash2"), roots[0].Target)

	require.NoError(t, tgt.UnpinGcRoot("keep-me"))
	roots, err = tgt.ListGcRoots()
	require.NoError(t, err)
	assert.Empty(t, roots)

	assert.Error(t, tgt.UnpinGcRoot("never-pinned"))
}

func TestLocalTargetAutoGcRootRotation(t *testing.T) {
	tgt := newLocal(t)

	for i := 0; i < 7; i++ {
		require.NoError(t, tgt.RegisterGcRoot("proj", fmt.Sprintf("hash%d", i)))
	}

	roots, err := tgt.ListGcRoots()
	require.NoError(t, err)
	require.Len(t, roots, 5)

	// The five survivors are the five most recent registrations.
	var hashes []string
	for _, r := range roots {
		assert.Equal(t, GcRootAuto, r.Kind)
		parts := strings.SplitN(filepath.Base(r.Name), "_", 2)
		require.Len(t, parts, 2)
		hashes = append(hashes, parts[1])
	}
	assert.Equal(t, []string{"hash2", "hash3", "hash4", "hash5", "hash6"}, hashes)
}

func TestLocalTargetGetMissingArtifacts(t *testing.T) {
	tgt := newLocal(t)
	require.NoError(t, tgt.WriteRemoteFile(filepath.Join(tgt.ArtifactsBasePath(), "jobs", "a", "bin", "run.sh"), "x"))

	missing, err := tgt.GetMissingArtifacts([]string{"jobs/a/bin/run.sh", "jobs/b/bin/run.sh"})
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/b/bin/run.sh"}, missing)
}

func TestLocalTargetSyncLabRootCopiesTreeWritable(t *testing.T) {
	tgt := newLocal(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "jobs", "j1", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "jobs", "j1", "bin", "run.sh"), []byte("#!/bin/sh\n"), 0o555))

	require.NoError(t, copyTreeWithPermissions(src, tgt.ArtifactsBasePath()))

	copied := filepath.Join(tgt.ArtifactsBasePath(), "jobs", "j1", "bin", "run.sh")
	info, err := os.Stat(copied)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o200, "copied file must be user-writable")
	assert.NotZero(t, info.Mode()&0o100, "copied file must keep its executable bit")
}

func TestRemoteToolResolution(t *testing.T) {
	tgt := NewSSHTarget("cluster", "user@host", common.Target{Kind: "ssh", RemoteRoot: "/data/repx"}, "", "x86_64-linux")

	// SLURM commands and sh run bare.
	assert.Equal(t, "sbatch", tgt.remoteTool("sbatch"))
	assert.Equal(t, "scancel", tgt.remoteTool("scancel"))
	assert.Equal(t, "sinfo", tgt.remoteTool("sinfo"))
	assert.Equal(t, "sh", tgt.remoteTool("sh"))

	// Absolute paths pass through.
	assert.Equal(t, "/data/repx/bin/abc/repx", tgt.remoteTool("/data/repx/bin/abc/repx"))

	// Everything else resolves under the synced host-tools bundle.
	assert.Equal(t, "/data/repx/artifacts/host-tools/x86_64-linux/bin/tar", tgt.remoteTool("tar"))
	assert.Equal(t, "/data/repx/artifacts/host-tools/x86_64-linux/bin/tail", tgt.remoteTool("tail"))
}
