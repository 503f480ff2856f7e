package target

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/store"
)

// bareRemoteCommands are the only system binaries an SSHTarget runs on
// the remote host without resolving them through the lab's deployed
// host-tools bundle. Everything SLURM-shaped must be the cluster's own;
// sh is the interpreter every generated script needs.
var bareRemoteCommands = map[string]struct{}{
	"sbatch":  {},
	"scancel": {},
	"squeue":  {},
	"sacct":   {},
	"sinfo":   {},
	"sh":      {},
}

// SSHTarget realizes Target by shelling every operation through
// ssh/scp/rsync subprocesses against a remote host.
type SSHTarget struct {
	name             string
	address          string
	cfg              common.Target
	hostToolsPath    string
	hostToolsDirName string
}

// NewSSHTarget builds an SSHTarget named name reaching address
// ("user@host"). hostToolsPath is the lab's local host-tools bundle;
// hostToolsDirName is that bundle's directory name under host-tools/ in
// the remote artifacts tree once synced.
func NewSSHTarget(name, address string, cfg common.Target, hostToolsPath, hostToolsDirName string) *SSHTarget {
	return &SSHTarget{
		name:             name,
		address:          address,
		cfg:              cfg,
		hostToolsPath:    hostToolsPath,
		hostToolsDirName: hostToolsDirName,
	}
}

func (t *SSHTarget) Name() string          { return t.name }
func (t *SSHTarget) BasePath() string      { return t.cfg.RemoteRoot }
func (t *SSHTarget) Config() common.Target { return t.cfg }

func (t *SSHTarget) ArtifactsBasePath() string {
	return filepath.Join(t.BasePath(), common.DirArtifacts)
}

// localTool resolves name on this machine, host-tools first.
func (t *SSHTarget) localTool(name string) (string, error) {
	if t.hostToolsPath != "" {
		candidate := filepath.Join(t.hostToolsPath, common.DirBin, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

// remoteTool maps a program name to what actually runs on the remote
// host: absolute paths and the bare allowlist pass through, anything
// else resolves under the synced host-tools bin.
func (t *SSHTarget) remoteTool(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	if _, ok := bareRemoteCommands[name]; ok {
		return name
	}
	return filepath.Join(t.ArtifactsBasePath(), "host-tools", t.hostToolsDirName, common.DirBin, name)
}

func (t *SSHTarget) sshOptions() []string {
	opts := []string{"-o", "BatchMode=yes"}
	if t.cfg.IdentityFile != "" {
		opts = append(opts, "-i", t.cfg.IdentityFile)
	}
	return opts
}

// runRemoteScript runs script under sh on the remote host and returns
// its stdout.
func (t *SSHTarget) runRemoteScript(script string) (string, error) {
	return t.runRemoteScriptWithStdin(script, "")
}

func (t *SSHTarget) runRemoteScriptWithStdin(script, stdin string) (string, error) {
	sshBin, err := t.localTool("ssh")
	if err != nil {
		return "", fmt.Errorf("resolving ssh: %w", err)
	}

	args := append(t.sshOptions(), t.address, script)
	cmd := exec.Command(sshBin, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("remote command on %s failed: %w: %s", t.address, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (t *SSHTarget) RunCommand(prog string, args []string) (string, error) {
	parts := []string{shellQuote(t.remoteTool(prog))}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return t.runRemoteScript(strings.Join(parts, " "))
}

func (t *SSHTarget) DeployRepxBinary() (string, error) {
	src, err := findLocalRunnerBinary()
	if err != nil {
		return "", err
	}
	return t.deployBinaryTo(src, "repx", true)
}

// deployRsyncBinary installs the lab's bundled rsync on the remote host
// so incremental syncs have a server side to talk to, pinned by content
// hash like every other deployed binary.
func (t *SSHTarget) deployRsyncBinary() (string, error) {
	src, err := t.localTool("rsync")
	if err != nil {
		return "", fmt.Errorf("lab bundle has no rsync: %w", err)
	}
	return t.deployBinaryTo(src, "rsync", false)
}

// deployBinaryTo content-addresses srcPath at <base>/bin/<hash>/<destName>
// on the remote host. When verify is set, a fresh copy must answer
// --version before the deploy counts.
func (t *SSHTarget) deployBinaryTo(srcPath, destName string, verify bool) (string, error) {
	hash, err := computeFileHash(srcPath)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", srcPath, err)
	}

	destDir := filepath.Join(t.BasePath(), common.DirBin, hash)
	destPath := filepath.Join(destDir, destName)

	if _, err := t.runRemoteScript(fmt.Sprintf("test -x %s", shellQuote(destPath))); err == nil {
		return destPath, nil
	}

	if _, err := t.runRemoteScript(fmt.Sprintf("mkdir -p %s", shellQuote(destDir))); err != nil {
		return "", fmt.Errorf("creating %s on %s: %w", destDir, t.address, err)
	}

	scpBin, err := t.localTool("scp")
	if err != nil {
		return "", fmt.Errorf("resolving scp: %w", err)
	}
	scpArgs := append(t.sshOptions(), "-p", srcPath, t.address+":"+destPath)
	var stderr bytes.Buffer
	cmd := exec.Command(scpBin, scpArgs...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w: %s", destName, t.address, err, strings.TrimSpace(stderr.String()))
	}

	// scp -p carries the executable bit when the transport allows it;
	// adjust explicitly as a fallback.
	_, _ = t.runRemoteScript(fmt.Sprintf("chmod 755 %s 2>/dev/null || true", shellQuote(destPath)))

	if verify {
		if _, err := t.runRemoteScript(fmt.Sprintf("%s --version", shellQuote(destPath))); err != nil {
			return "", fmt.Errorf("deployed binary %s does not execute on %s: %w", destPath, t.address, err)
		}
	}
	return destPath, nil
}

func (t *SSHTarget) SpawnRepxJob(binaryPath string, args []string) (JobHandle, error) {
	sshBin, err := t.localTool("ssh")
	if err != nil {
		return nil, fmt.Errorf("resolving ssh: %w", err)
	}

	parts := []string{shellQuote(binaryPath)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}

	sshArgs := append(t.sshOptions(), t.address, strings.Join(parts, " "))
	cmd := exec.Command(sshBin, sshArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	// The remote command's lifetime is the local ssh process's lifetime,
	// so the plain local handle suffices.
	return &localJobHandle{cmd: cmd}, nil
}

func (t *SSHTarget) SyncLabRoot(localPath string) error {
	remoteRsync, err := t.deployRsyncBinary()
	if err != nil {
		return err
	}

	rsyncBin, err := t.localTool("rsync")
	if err != nil {
		return fmt.Errorf("resolving rsync: %w", err)
	}

	if _, err := t.runRemoteScript(fmt.Sprintf("mkdir -p %s", shellQuote(t.ArtifactsBasePath()))); err != nil {
		return err
	}

	sshCmd := "ssh " + strings.Join(t.sshOptions(), " ")
	args := []string{
		"-a", "--chmod=u+w,Du+w",
		"-e", sshCmd,
		"--rsync-path", remoteRsync,
		localPath + "/",
		t.address + ":" + t.ArtifactsBasePath() + "/",
	}
	var stderr bytes.Buffer
	cmd := exec.Command(rsyncBin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync of lab root to %s failed: %w: %s", t.address, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// SyncImageIncrementally lists the remote store/ to learn which layer
// blobs already exist, extracts and pushes only the missing ones, then
// rebuilds the image's manifest and symlink structure remotely.
func (t *SSHTarget) SyncImageIncrementally(localImagePath, tag, localCacheRoot string) error {
	logger := common.GetLogger()

	layers, err := t.imageLayerList(localImagePath)
	if err != nil {
		return err
	}

	remoteStoreDir := filepath.Join(t.BasePath(), common.DirStore)
	present, err := t.listRemoteStoreBlobs(remoteStoreDir)
	if err != nil {
		return err
	}

	tarBin, err := t.localTool("tar")
	if err != nil {
		return fmt.Errorf("resolving tar for image sync: %w", err)
	}

	localStoreCache := filepath.Join(localCacheRoot, common.DirStore)
	if err := os.MkdirAll(localStoreCache, 0o755); err != nil {
		return err
	}

	var toPush []string
	for _, layer := range layers {
		layerHash := store.LayerHashFromPath(layer)
		blobName := layerHash + "-layer.tar"
		if _, ok := present[blobName]; ok {
			continue
		}
		if err := t.stageLayerLocally(localImagePath, layer, layerHash, localStoreCache, tarBin); err != nil {
			return err
		}
		toPush = append(toPush, blobName)
	}

	logger.Info().Str("tag", tag).Int("total_layers", len(layers)).Int("missing", len(toPush)).Msg("incremental image sync")

	if len(toPush) > 0 {
		if err := t.pushStoreBlobs(localStoreCache, remoteStoreDir, toPush); err != nil {
			return err
		}
	}

	imageHashName := store.ParseImageHash(filepath.Base(localImagePath))
	remoteImageDir := filepath.Join(t.BasePath(), "images-cache", imageHashName)

	manifestContent, err := json.Marshal([]struct {
		Layers []string `json:"Layers"`
	}{{Layers: layers}})
	if err != nil {
		return err
	}
	if err := t.WriteRemoteFile(filepath.Join(remoteImageDir, "manifest.json"), string(manifestContent)); err != nil {
		return err
	}

	var script strings.Builder
	for _, layer := range layers {
		layerHash := store.LayerHashFromPath(layer)
		layerDir := filepath.Join(remoteImageDir, layerHash)
		blobPath := filepath.Join(remoteStoreDir, layerHash+"-layer.tar")
		fmt.Fprintf(&script, "mkdir -p %s && ln -sfn %s %s && ",
			shellQuote(layerDir), shellQuote(blobPath), shellQuote(filepath.Join(layerDir, "layer.tar")))
	}
	imagesDir := filepath.Join(t.BasePath(), common.DirImages)
	fmt.Fprintf(&script, "mkdir -p %s && ln -sfn %s %s",
		shellQuote(imagesDir), shellQuote(remoteImageDir), shellQuote(filepath.Join(imagesDir, tag)))

	if _, err := t.runRemoteScript(script.String()); err != nil {
		return fmt.Errorf("building remote image structure for %s: %w", tag, err)
	}
	return nil
}

// imageLayerList reads an image's ordered layer paths, from its
// manifest.json directly for a directory-form image or through tar for
// a tarball.
func (t *SSHTarget) imageLayerList(localImagePath string) ([]string, error) {
	info, err := os.Stat(localImagePath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		data, err := os.ReadFile(filepath.Join(localImagePath, "manifest.json"))
		if err != nil {
			return nil, fmt.Errorf("reading manifest of %s: %w", localImagePath, err)
		}
		var entries []struct {
			Layers []string `json:"Layers"`
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parsing manifest of %s: %w", localImagePath, err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("manifest of %s lists no images", localImagePath)
		}
		return entries[0].Layers, nil
	}

	tarBin, err := t.localTool("tar")
	if err != nil {
		return nil, fmt.Errorf("resolving tar for image sync: %w", err)
	}
	return store.GetImageManifest(localImagePath, tarBin)
}

// stageLayerLocally materializes one layer blob in the local store
// cache, from the exploded directory or by extraction from the tarball.
func (t *SSHTarget) stageLayerLocally(localImagePath, layer, layerHash, localStoreCache, tarBin string) error {
	blobPath := filepath.Join(localStoreCache, layerHash+"-layer.tar")
	if _, err := os.Stat(blobPath); err == nil {
		return nil
	}

	if info, err := os.Stat(localImagePath); err == nil && info.IsDir() {
		return copyFile(filepath.Join(localImagePath, layer), blobPath, 0o644)
	}
	return store.ExtractLayerToFlatStore(localImagePath, layer, layerHash, localStoreCache, tarBin)
}

func (t *SSHTarget) listRemoteStoreBlobs(remoteStoreDir string) (map[string]struct{}, error) {
	out, err := t.runRemoteScript(fmt.Sprintf("mkdir -p %s && ls -1 %s", shellQuote(remoteStoreDir), shellQuote(remoteStoreDir)))
	if err != nil {
		return nil, fmt.Errorf("listing remote store: %w", err)
	}
	present := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if strings.HasSuffix(name, "-layer.tar") {
			present[name] = struct{}{}
		}
	}
	return present, nil
}

func (t *SSHTarget) pushStoreBlobs(localStoreCache, remoteStoreDir string, blobNames []string) error {
	remoteRsync, err := t.deployRsyncBinary()
	if err != nil {
		return err
	}
	rsyncBin, err := t.localTool("rsync")
	if err != nil {
		return fmt.Errorf("resolving rsync: %w", err)
	}

	args := []string{"-a",
		"-e", "ssh " + strings.Join(t.sshOptions(), " "),
		"--rsync-path", remoteRsync,
	}
	for _, name := range blobNames {
		args = append(args, filepath.Join(localStoreCache, name))
	}
	args = append(args, t.address+":"+remoteStoreDir+"/")

	var stderr bytes.Buffer
	cmd := exec.Command(rsyncBin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pushing %d layer blob(s) to %s failed: %w: %s", len(blobNames), t.address, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (t *SSHTarget) GetMissingArtifacts(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	var script strings.Builder
	for _, rel := range paths {
		full := filepath.Join(t.ArtifactsBasePath(), rel)
		fmt.Fprintf(&script, "[ -e %s ] || echo %s\n", shellQuote(full), shellQuote(rel))
	}

	out, err := t.runRemoteScriptWithStdin("sh", script.String())
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			missing = append(missing, trimmed)
		}
	}
	return missing, nil
}

func (t *SSHTarget) WriteRemoteFile(path, content string) error {
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(filepath.Dir(path)), shellQuote(path))
	_, err := t.runRemoteScriptWithStdin(script, content)
	return err
}

func (t *SSHTarget) ReadRemoteFile(path string) (string, error) {
	return t.runRemoteScript(fmt.Sprintf("cat %s", shellQuote(path)))
}

func (t *SSHTarget) ReadFileTail(path string, n int) ([]string, error) {
	tailBin := t.remoteTool("tail")
	out, err := t.runRemoteScript(fmt.Sprintf("%s -n %d %s", shellQuote(tailBin), n, shellQuote(path)))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimRight(out, "\n")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

func (t *SSHTarget) Scancel(id string) error {
	if _, err := t.RunCommand("scancel", []string{id}); err != nil {
		common.GetLogger().Debug().Err(err).Str("slurm_id", id).Msg("remote scancel reported an error")
	}
	return nil
}

func (t *SSHTarget) ScancelBatch(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.RunCommand("scancel", ids); err != nil {
		common.GetLogger().Debug().Err(err).Strs("slurm_ids", ids).Msg("remote scancel reported an error")
	}
	return nil
}

func (t *SSHTarget) RegisterGcRoot(projectID, labHash string) error {
	projectDir := filepath.Join(t.BasePath(), common.DirGcroots, string(GcRootAuto), projectID)
	linkPath := filepath.Join(projectDir, generateGCLinkName(time.Now(), labHash))

	script := fmt.Sprintf("mkdir -p %s && ln -sfn %s %s",
		shellQuote(projectDir),
		shellQuote(labManifestPath(t.BasePath(), labHash)),
		shellQuote(linkPath))
	if _, err := t.runRemoteScript(script); err != nil {
		return err
	}

	// Rotation: list, pick the stale names locally, remove remotely.
	out, err := t.runRemoteScript(fmt.Sprintf("ls -1 %s", shellQuote(projectDir)))
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) <= autoGcRootKeep {
		return nil
	}
	sort.Strings(names)

	var rm strings.Builder
	rm.WriteString("rm -f")
	for _, name := range names[:len(names)-autoGcRootKeep] {
		rm.WriteString(" " + shellQuote(filepath.Join(projectDir, name)))
	}
	_, _ = t.runRemoteScript(rm.String())
	return nil
}

func (t *SSHTarget) PinGcRoot(labHash, name string) error {
	pinnedDir := filepath.Join(t.BasePath(), common.DirGcroots, string(GcRootPinned))
	script := fmt.Sprintf("mkdir -p %s && ln -sfn %s %s",
		shellQuote(pinnedDir),
		shellQuote(labManifestPath(t.BasePath(), labHash)),
		shellQuote(filepath.Join(pinnedDir, name)))
	_, err := t.runRemoteScript(script)
	return err
}

func (t *SSHTarget) UnpinGcRoot(name string) error {
	linkPath := filepath.Join(t.BasePath(), common.DirGcroots, string(GcRootPinned), name)
	if _, err := t.runRemoteScript(fmt.Sprintf("test -L %s && rm %s", shellQuote(linkPath), shellQuote(linkPath))); err != nil {
		return fmt.Errorf("unpinning GC root %q on %s: %w", name, t.address, err)
	}
	return nil
}

func (t *SSHTarget) ListGcRoots() ([]GcRootEntry, error) {
	gcrootsDir := filepath.Join(t.BasePath(), common.DirGcroots)

	// One loop per kind, each line "<kind> <name> <destination>".
	script := fmt.Sprintf(
		`if [ -d %[1]s/pinned ]; then cd %[1]s/pinned && for f in *; do [ -L "$f" ] && echo "pinned $f $(readlink "$f")"; done; fi; `+
			`if [ -d %[1]s/auto ]; then cd %[1]s/auto && for p in *; do [ -d "$p" ] || continue; for f in "$p"/*; do [ -L "$f" ] && echo "auto $f $(readlink "$f")"; done; done; fi; true`,
		shellQuote(gcrootsDir))

	out, err := t.runRemoteScript(script)
	if err != nil {
		return nil, err
	}

	var roots []GcRootEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(fields) < 2 {
			continue
		}
		entry := GcRootEntry{Kind: GcRootKind(fields[0]), Name: fields[1]}
		if len(fields) == 3 {
			entry.Target = fields[2]
		}
		roots = append(roots, entry)
	}

	sort.Slice(roots, func(i, j int) bool {
		if roots[i].Kind != roots[j].Kind {
			return roots[i].Kind < roots[j].Kind
		}
		return roots[i].Name < roots[j].Name
	})
	return roots, nil
}

func (t *SSHTarget) GarbageCollect() (string, error) {
	binaryPath, err := t.DeployRepxBinary()
	if err != nil {
		return "", fmt.Errorf("deploying repx binary for gc on %s: %w", t.address, err)
	}
	return t.RunCommand(binaryPath, []string{"internal-gc", "--base-path", t.BasePath()})
}
