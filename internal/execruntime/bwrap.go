package execruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/repx-org/repx/internal/common"
)

// excludedRootfsDirs are skipped when read-only-bind-mounting an extracted
// rootfs's top-level entries individually (the fallback path when overlay
// mounts aren't supported); they're provided separately as --dev/--proc/
// --tmpfs mounts instead.
var excludedRootfsDirs = map[string]bool{"dev": true, "proc": true, "tmp": true}

// excludedHostDirs are never bind-mounted when mount_host_paths exposes
// the host root tree; writableHostDirs names which of the rest are bound
// read-write instead of read-only.
var excludedHostDirs = map[string]bool{"dev": true, "proc": true, "sys": true, "nix": true}
var writableHostDirs = map[string]bool{"home": true, "tmp": true, "var": true, "opt": true, "srv": true, "mnt": true, "media": true, "run": true}

type overlayCapabilityCache struct {
	TmpOverlaySupported bool   `json:"tmp_overlay_supported"`
	CheckedAt           string `json:"checked_at"`
}

// EnsureRootfsExtracted extracts imageTag's rootfs into the images cache
// under a per-image-hash file lock, writing a SUCCESS marker once
// extraction completes; the marker plus the rootfs directory's presence
// together form the idempotence check so a concurrent or later caller can
// skip straight past a finished extraction.
func EnsureRootfsExtracted(ctx context.Context, rc *RuntimeContext, imageTag string) (string, error) {
	imageHash := ExtractImageHash(imageTag)

	imagesCacheDir := rc.GetImagesCacheDir()
	imageDir := filepath.Join(imagesCacheDir, imageHash)
	extractDir := filepath.Join(imageDir, "rootfs")
	successMarker := filepath.Join(imageDir, "SUCCESS")

	if err := os.MkdirAll(imagesCacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating images cache dir: %w", err)
	}

	if rootfsReady(extractDir, successMarker) {
		return extractDir, nil
	}

	lockPath := filepath.Join(rc.GetTempPath(), fmt.Sprintf("repx-extract-%s.lock", imageHash))
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("failed to acquire extraction lock for image %q: %w", imageTag, err)
	}
	defer lock.Unlock()

	if rootfsReady(extractDir, successMarker) {
		return extractDir, nil
	}

	logger := common.GetLogger()
	logger.Info().Str("image", imageTag).Str("dest", extractDir).Msg("extracting rootfs")

	imagePath, ok := rc.FindImageFile(imageTag)
	if !ok {
		return "", fmt.Errorf("image file for tag %q not found in artifacts/images or artifacts/image", imageTag)
	}
	info, err := os.Stat(imagePath)
	if err != nil {
		return "", fmt.Errorf("stating image %q: %w", imagePath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("image artifact at %q must be a directory (exploded OCI layout)", imagePath)
	}

	manifestPath := filepath.Join(imagePath, "manifest.json")
	manifestContent, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("could not find manifest.json inside image directory %q: %w", imagePath, err)
	}

	var manifest []struct {
		Layers []string `json:"Layers"`
	}
	if err := json.Unmarshal(manifestContent, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest.json at %q: %w", manifestPath, err)
	}
	if len(manifest) == 0 {
		return "", fmt.Errorf("manifest.json at %q is empty", manifestPath)
	}

	if err := os.RemoveAll(extractDir); err != nil {
		return "", fmt.Errorf("clearing stale rootfs dir: %w", err)
	}
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		return "", fmt.Errorf("creating rootfs dir: %w", err)
	}

	tarPath, err := rc.ResolveTool("tar")
	if err != nil {
		return "", err
	}

	for _, layer := range manifest[0].Layers {
		layerPath := filepath.Join(imagePath, layer)
		if _, err := os.Stat(layerPath); err != nil {
			logger.Debug().Str("layer", layer).Msg("layer listed in manifest but not found, skipping")
			continue
		}

		cmd := exec.CommandContext(ctx, tarPath,
			"-xf", layerPath,
			"-C", extractDir,
			"--no-same-owner", "--no-same-permissions", "--mode=0755",
			"--delay-directory-restore",
		)
		rc.RestrictCommandEnvironment(cmd, nil)
		var stderrBuf []byte
		out, runErr := cmd.CombinedOutput()
		stderrBuf = out
		if runErr != nil {
			_ = os.RemoveAll(extractDir)
			return "", fmt.Errorf("extracting layer %q: %s", layer, string(stderrBuf))
		}
	}

	for dir := range excludedRootfsDirs {
		p := filepath.Join(extractDir, dir)
		if _, err := os.Stat(p); err != nil {
			_ = os.Mkdir(p, 0755)
		}
	}

	f, err := os.Create(successMarker)
	if err != nil {
		return "", fmt.Errorf("writing rootfs SUCCESS marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("fsyncing rootfs SUCCESS marker: %w", err)
	}
	f.Close()

	logger.Info().Str("image", imageTag).Msg("rootfs extraction complete")
	return extractDir, nil
}

func rootfsReady(extractDir, successMarker string) bool {
	if _, err := os.Stat(successMarker); err != nil {
		return false
	}
	info, err := os.Stat(extractDir)
	return err == nil && info.IsDir()
}

// checkTmpOverlaySupport probes (and caches, under cache/capabilities/
// overlay_support.json) whether bwrap's --tmp-overlay flag works on this
// kernel; a lab running on a kernel without userxattr overlay support
// falls back to plain read-only bind mounts of the rootfs.
func checkTmpOverlaySupport(ctx context.Context, rc *RuntimeContext, rootfsPath string) bool {
	cacheDir := rc.GetCapabilitiesCacheDir()
	cacheFile := filepath.Join(cacheDir, "overlay_support.json")

	if content, err := os.ReadFile(cacheFile); err == nil {
		var cached overlayCapabilityCache
		if json.Unmarshal(content, &cached) == nil {
			return cached.TmpOverlaySupported
		}
	}

	supported := runTmpOverlayCheck(ctx, rc, rootfsPath)

	if err := os.MkdirAll(cacheDir, 0755); err == nil {
		entry := overlayCapabilityCache{TmpOverlaySupported: supported, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
		if data, err := json.MarshalIndent(entry, "", "  "); err == nil {
			_ = os.WriteFile(cacheFile, data, 0644)
		}
	}

	return supported
}

func runTmpOverlayCheck(ctx context.Context, rc *RuntimeContext, rootfsPath string) bool {
	bwrapPath, err := rc.GetHostToolPath("bwrap")
	if err != nil {
		return false
	}

	tempDir, err := os.MkdirTemp(rc.GetTempPath(), ".repx-tmp-overlay-check-")
	if err != nil {
		return false
	}
	defer os.RemoveAll(tempDir)

	testLower := rootfsPath
	for _, candidate := range []string{"bin", "etc"} {
		p := filepath.Join(rootfsPath, candidate)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			testLower = p
			break
		}
	}

	testMountPoint := filepath.Join(tempDir, "test")
	if err := os.Mkdir(testMountPoint, 0755); err != nil {
		return false
	}

	cmd := exec.CommandContext(ctx, bwrapPath,
		"--unshare-user",
		"--dev-bind", "/", "/",
		"--overlay-src", testLower,
		"--tmp-overlay", testMountPoint,
		"true",
	)
	rc.RestrictCommandEnvironment(cmd, nil)
	return cmd.Run() == nil
}

// BuildBwrapCommand builds the bwrap invocation that runs scriptPath
// inside the extracted rootfsPath under user-namespace isolation: the
// rootfs overlaid (preferred) or read-only bind mounted (fallback) at
// "/", the target base path read-only bound, the job's out/ and repx/
// directories writable, the job package directory read-only bound, and
// PATH restricted to host-tools plus standard system directories. With
// MountHostPaths set, the host's top-level directories are bound in place
// of that layout and the host's PATH is appended to the inner PATH.
func BuildBwrapCommand(ctx context.Context, rc *RuntimeContext, rootfsPath, scriptPath string, args []string) (*exec.Cmd, error) {
	bwrapPath, err := rc.GetHostToolPath("bwrap")
	if err != nil {
		return nil, err
	}
	req := rc.Request

	var cmdArgs []string

	if req.MountHostPaths {
		if err := appendHostPathMounts(&cmdArgs, rootfsPath); err != nil {
			return nil, err
		}
		cmdArgs = append(cmdArgs,
			"--unshare-user", "--unshare-pid", "--unshare-ipc", "--unshare-uts",
			"--dev-bind", "/dev", "/dev",
			"--proc", "/proc",
		)
	} else {
		cmdArgs = append(cmdArgs, "--unshare-all", "--hostname", "repx-container")

		if checkTmpOverlaySupport(ctx, rc, rootfsPath) {
			cmdArgs = append(cmdArgs, "--overlay-src", rootfsPath, "--tmp-overlay", "/")
		} else {
			common.GetLogger().Info().Msg("overlay filesystem not supported on target; falling back to read-only bind mounts for rootfs")
			if err := appendReadonlyRootfsMounts(&cmdArgs, rootfsPath); err != nil {
				return nil, err
			}
		}

		cmdArgs = append(cmdArgs,
			"--dev", "/dev",
			"--proc", "/proc",
			"--tmpfs", "/tmp",
			"--dir", req.BasePath,
			"--ro-bind", req.BasePath, req.BasePath,
			"--dir", req.UserOutDir,
			"--bind", req.UserOutDir, req.UserOutDir,
			"--dir", req.RepxOutDir,
			"--bind", req.RepxOutDir, req.RepxOutDir,
		)

		canonicalJobPath := req.JobPackagePath
		if resolved, err := filepath.EvalSymlinks(req.JobPackagePath); err == nil {
			canonicalJobPath = resolved
		}
		cmdArgs = append(cmdArgs, "--dir", req.JobPackagePath, "--ro-bind", canonicalJobPath, req.JobPackagePath)
	}

	cmdArgs = append(cmdArgs, "--clearenv")

	innerPath := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	if req.HostToolsBinDir != "" {
		innerPath = req.HostToolsBinDir + ":" + innerPath
	}

	if req.MountHostPaths {
		hostPath := os.Getenv("PATH")
		if hostPath != "" {
			innerPath = innerPath + ":" + hostPath
		}
		home := os.Getenv("HOME")
		if home == "" {
			home = "/"
		}
		cmdArgs = append(cmdArgs, "--setenv", "HOME", home)
	} else {
		cmdArgs = append(cmdArgs, "--setenv", "HOME", "/")

		if len(req.MountPaths) > 0 {
			common.GetLogger().Info().Strs("paths", req.MountPaths).Msg("[IMPURE] specific host paths mounted")
			for _, p := range req.MountPaths {
				cmdArgs = append(cmdArgs, "--bind", p, p)
			}
		}
	}

	cmdArgs = append(cmdArgs, "--setenv", "PATH", innerPath)
	cmdArgs = append(cmdArgs, "--setenv", "TERM", "xterm")
	cmdArgs = append(cmdArgs, "--chdir", req.UserOutDir)
	cmdArgs = append(cmdArgs, "--")
	cmdArgs = append(cmdArgs, scriptPath)
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, bwrapPath, cmdArgs...)
	rc.RestrictCommandEnvironment(cmd, nil)

	common.GetLogger().Info().
		Str("job_id", req.JobID.String()).
		Bool("mount_host_paths", req.MountHostPaths).
		Str("rootfs", rootfsPath).
		Msg("building bwrap command")

	return cmd, nil
}

func appendReadonlyRootfsMounts(cmdArgs *[]string, rootfsPath string) error {
	entries, err := os.ReadDir(rootfsPath)
	if err != nil {
		return fmt.Errorf("reading rootfs directory %q: %w", rootfsPath, err)
	}
	for _, entry := range entries {
		if excludedRootfsDirs[entry.Name()] {
			continue
		}
		sourcePath := filepath.Join(rootfsPath, entry.Name())
		targetPath := "/" + entry.Name()
		*cmdArgs = append(*cmdArgs, "--ro-bind", sourcePath, targetPath)
	}
	return nil
}

func appendHostPathMounts(cmdArgs *[]string, rootfsPath string) error {
	entries, err := os.ReadDir("/")
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if excludedHostDirs[name] {
				continue
			}
			dirPath := filepath.Join("/", name)
			if writableHostDirs[name] {
				*cmdArgs = append(*cmdArgs, "--bind", dirPath, dirPath)
			} else {
				*cmdArgs = append(*cmdArgs, "--ro-bind", dirPath, dirPath)
			}
		}
	}

	if _, err := os.Stat("/nix/store"); err == nil {
		imageStore := filepath.Join(rootfsPath, "nix", "store")
		if _, err := os.Stat(imageStore); err == nil {
			*cmdArgs = append(*cmdArgs, "--ro-bind", "/nix/store", "/nix/store")
		}
	} else {
		imageNix := filepath.Join(rootfsPath, "nix")
		if _, err := os.Stat(imageNix); err == nil {
			*cmdArgs = append(*cmdArgs, "--dir", "/nix", "--bind", imageNix, "/nix")
		}
	}

	return nil
}
