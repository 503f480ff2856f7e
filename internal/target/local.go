package target

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/store"
)

// autoGcRootKeep is how many auto-registered roots survive per project
// after rotation.
const autoGcRootKeep = 5

// LocalTarget realizes Target directly against this machine's
// filesystem. Its base path is the configured store root.
type LocalTarget struct {
	name          string
	cfg           common.Target
	hostToolsPath string
}

// NewLocalTarget builds a LocalTarget named name rooted at
// cfg.RemoteRoot. hostToolsPath points at the lab's local host-tools
// bundle and may be empty when no lab is loaded.
func NewLocalTarget(name string, cfg common.Target, hostToolsPath string) *LocalTarget {
	return &LocalTarget{name: name, cfg: cfg, hostToolsPath: hostToolsPath}
}

func (t *LocalTarget) Name() string          { return t.name }
func (t *LocalTarget) BasePath() string      { return t.cfg.RemoteRoot }
func (t *LocalTarget) Config() common.Target { return t.cfg }

func (t *LocalTarget) ArtifactsBasePath() string {
	return filepath.Join(t.BasePath(), common.DirArtifacts)
}

// tool resolves name against the lab's host-tools bin first, then PATH.
func (t *LocalTarget) tool(name string) (string, error) {
	if t.hostToolsPath != "" {
		candidate := filepath.Join(t.hostToolsPath, common.DirBin, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func (t *LocalTarget) RunCommand(prog string, args []string) (string, error) {
	resolved := prog
	if !strings.Contains(prog, string(os.PathSeparator)) {
		if p, err := t.tool(prog); err == nil {
			resolved = p
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(resolved, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("command %s failed: %w: %s", prog, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (t *LocalTarget) DeployRepxBinary() (string, error) {
	src, err := findLocalRunnerBinary()
	if err != nil {
		return "", err
	}
	return t.deployBinaryFrom(src, "repx")
}

// deployBinaryFrom performs the content-addressed install of srcPath at
// <base>/bin/<hash>/<destName>, verifying a fresh copy executes.
func (t *LocalTarget) deployBinaryFrom(srcPath, destName string) (string, error) {
	hash, err := computeFileHash(srcPath)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", srcPath, err)
	}

	destDir := filepath.Join(t.BasePath(), common.DirBin, hash)
	destPath := filepath.Join(destDir, destName)

	if info, statErr := os.Stat(destPath); statErr == nil && info.Mode()&0o111 != 0 {
		return destPath, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	if err := copyFile(srcPath, destPath, 0o755); err != nil {
		return "", fmt.Errorf("installing %s: %w", destName, err)
	}

	if out, runErr := exec.Command(destPath, "--version").CombinedOutput(); runErr != nil {
		return "", fmt.Errorf("deployed binary %s does not execute: %w: %s", destPath, runErr, strings.TrimSpace(string(out)))
	}
	return destPath, nil
}

func (t *LocalTarget) SpawnRepxJob(binaryPath string, args []string) (JobHandle, error) {
	cmd := exec.Command(binaryPath, args...)
	// The child's own internal-execute run redirects the job's output
	// into its stdout.log/stderr.log; anything it prints before that is
	// orchestrator chatter and stays on our streams.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &localJobHandle{cmd: cmd}, nil
}

type localJobHandle struct {
	cmd *exec.Cmd
}

func (h *localJobHandle) Wait() error { return h.cmd.Wait() }
func (h *localJobHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (t *LocalTarget) SyncLabRoot(localPath string) error {
	dest := t.ArtifactsBasePath()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	if rsync, err := t.tool("rsync"); err == nil {
		args := []string{"-a", "--chmod=u+w,Du+w", localPath + "/", dest + "/"}
		var stderr bytes.Buffer
		cmd := exec.Command(rsync, args...)
		cmd.Stderr = &stderr
		if runErr := cmd.Run(); runErr != nil {
			return fmt.Errorf("rsync of lab root failed: %w: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		return nil
	}

	return copyTreeWithPermissions(localPath, dest)
}

// copyTreeWithPermissions mirrors src into dst preserving mode bits but
// forcing user-writability, the same observable effect SyncLabRoot's
// rsync --chmod path produces.
func copyTreeWithPermissions(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			return os.MkdirAll(destPath, info.Mode().Perm()|0o700)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(destPath)
			return os.Symlink(linkTarget, destPath)
		}
		return copyFile(path, destPath, info.Mode().Perm()|0o200)
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

func (t *LocalTarget) SyncImageIncrementally(localImagePath, tag, localCacheRoot string) error {
	tarTool, err := t.tool("tar")
	if err != nil {
		return fmt.Errorf("resolving tar for image sync: %w", err)
	}

	storeDir := filepath.Join(t.BasePath(), common.DirStore)
	imagesCacheDir := filepath.Join(t.BasePath(), "images-cache")

	finalSource, err := store.SyncImageIncrementally(localImagePath, storeDir, imagesCacheDir, tarTool)
	if err != nil {
		return fmt.Errorf("syncing image %s: %w", tag, err)
	}

	imagesDir := filepath.Join(t.BasePath(), common.DirImages)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return err
	}
	return store.PlaceImageTag(finalSource, filepath.Join(imagesDir, tag))
}

func (t *LocalTarget) GetMissingArtifacts(paths []string) ([]string, error) {
	var missing []string
	for _, rel := range paths {
		if _, err := os.Stat(filepath.Join(t.ArtifactsBasePath(), rel)); err != nil {
			missing = append(missing, rel)
		}
	}
	return missing, nil
}

func (t *LocalTarget) WriteRemoteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (t *LocalTarget) ReadRemoteFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *LocalTarget) ReadFileTail(path string, n int) ([]string, error) {
	content, err := t.ReadRemoteFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (t *LocalTarget) Scancel(id string) error {
	if _, err := t.RunCommand("scancel", []string{id}); err != nil {
		// scancel exits non-zero for ids it has never heard of; that is
		// not a cancellation failure.
		common.GetLogger().Debug().Err(err).Str("slurm_id", id).Msg("scancel reported an error")
	}
	return nil
}

func (t *LocalTarget) ScancelBatch(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.RunCommand("scancel", ids); err != nil {
		common.GetLogger().Debug().Err(err).Strs("slurm_ids", ids).Msg("scancel reported an error")
	}
	return nil
}

func (t *LocalTarget) RegisterGcRoot(projectID, labHash string) error {
	projectDir := filepath.Join(t.BasePath(), common.DirGcroots, string(GcRootAuto), projectID)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return err
	}

	linkPath := filepath.Join(projectDir, generateGCLinkName(time.Now(), labHash))
	_ = os.Remove(linkPath)
	if err := os.Symlink(labManifestPath(t.BasePath(), labHash), linkPath); err != nil {
		return err
	}
	return cleanupOldGCRoots(projectDir, autoGcRootKeep)
}

// cleanupOldGCRoots removes all but the keep lexically-greatest entries
// of dir. Auto root names order by registration timestamp, so lexical
// order is age order.
func cleanupOldGCRoots(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) <= keep {
		return nil
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (t *LocalTarget) PinGcRoot(labHash, name string) error {
	pinnedDir := filepath.Join(t.BasePath(), common.DirGcroots, string(GcRootPinned))
	if err := os.MkdirAll(pinnedDir, 0o755); err != nil {
		return err
	}
	linkPath := filepath.Join(pinnedDir, name)
	_ = os.Remove(linkPath)
	return os.Symlink(labManifestPath(t.BasePath(), labHash), linkPath)
}

func (t *LocalTarget) UnpinGcRoot(name string) error {
	linkPath := filepath.Join(t.BasePath(), common.DirGcroots, string(GcRootPinned), name)
	if err := os.Remove(linkPath); err != nil {
		return fmt.Errorf("unpinning GC root %q: %w", name, err)
	}
	return nil
}

func (t *LocalTarget) ListGcRoots() ([]GcRootEntry, error) {
	var roots []GcRootEntry
	gcrootsDir := filepath.Join(t.BasePath(), common.DirGcroots)

	pinnedDir := filepath.Join(gcrootsDir, string(GcRootPinned))
	if entries, err := os.ReadDir(pinnedDir); err == nil {
		for _, e := range entries {
			dest, _ := os.Readlink(filepath.Join(pinnedDir, e.Name()))
			roots = append(roots, GcRootEntry{Kind: GcRootPinned, Name: e.Name(), Target: dest})
		}
	}

	autoDir := filepath.Join(gcrootsDir, string(GcRootAuto))
	if projects, err := os.ReadDir(autoDir); err == nil {
		for _, proj := range projects {
			if !proj.IsDir() {
				continue
			}
			projectDir := filepath.Join(autoDir, proj.Name())
			entries, err := os.ReadDir(projectDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				dest, _ := os.Readlink(filepath.Join(projectDir, e.Name()))
				roots = append(roots, GcRootEntry{
					Kind:   GcRootAuto,
					Name:   filepath.Join(proj.Name(), e.Name()),
					Target: dest,
				})
			}
		}
	}

	sort.Slice(roots, func(i, j int) bool {
		if roots[i].Kind != roots[j].Kind {
			return roots[i].Kind < roots[j].Kind
		}
		return roots[i].Name < roots[j].Name
	})
	return roots, nil
}

func (t *LocalTarget) GarbageCollect() (string, error) {
	binaryPath, err := t.DeployRepxBinary()
	if err != nil {
		return "", fmt.Errorf("deploying repx binary for gc: %w", err)
	}
	return t.RunCommand(binaryPath, []string{"internal-gc", "--base-path", t.BasePath()})
}
