package execruntime

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/repx-org/repx/internal/common"
)

// EnsureImageLoaded makes sure the OCI image named by runtime's tag is
// present in the docker/podman image cache, loading it from the lab's
// artifact store on first use. A per-image file lock serializes concurrent
// loads of the same tag across goroutines/processes.
func EnsureImageLoaded(ctx context.Context, rc *RuntimeContext, runtime Runtime) error {
	binary, imageTag, err := containerRuntimeDetails(runtime)
	if err != nil {
		return err
	}
	imageHash := ExtractImageHash(imageTag)

	lockPath := filepath.Join(rc.GetTempPath(), fmt.Sprintf("repx-load-%s.lock", imageHash))
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire file lock for image '%s': %w", imageTag, err)
	}
	defer lock.Unlock()

	logger := common.GetLogger()
	logger.Debug().Str("image", imageTag).Msg("acquired lock for image load")

	checkCmd := exec.CommandContext(ctx, binary, "images", "-q", imageTag)
	rc.RestrictCommandEnvironment(checkCmd, []string{binary})
	checkOutput, err := checkCmd.Output()
	if err != nil {
		return fmt.Errorf("checking whether image '%s' is loaded: %w", imageTag, err)
	}

	if len(strings.TrimSpace(string(checkOutput))) != 0 {
		logger.Debug().Str("image", imageTag).Msg("image found in cache, skipping load")
		return nil
	}

	logger.Info().Str("image", imageTag).Msg("image not found in cache, loading")

	imageFullPath, ok := rc.FindImageFile(imageTag)
	if !ok {
		return fmt.Errorf("image file for tag '%s' not found", imageTag)
	}

	loadCmd := exec.CommandContext(ctx, binary, "load")
	rc.RestrictCommandEnvironment(loadCmd, []string{binary})
	stdin, err := loadCmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin for '%s load': %w", binary, err)
	}
	var loadOut, loadErr strings.Builder
	loadCmd.Stdout = &loadOut
	loadCmd.Stderr = &loadErr

	if err := loadCmd.Start(); err != nil {
		return fmt.Errorf("starting '%s load': %w", binary, err)
	}

	info, statErr := os.Stat(imageFullPath)
	if statErr != nil {
		stdin.Close()
		return fmt.Errorf("stating image file %q: %w", imageFullPath, statErr)
	}

	if info.IsDir() {
		logger.Debug().Str("path", imageFullPath).Msg("streaming image directory into load")
		tarPath, err := rc.ResolveTool("tar")
		if err != nil {
			stdin.Close()
			return err
		}
		tarCmd := exec.CommandContext(ctx, tarPath, "-C", imageFullPath, "-h", "-c", ".")
		tarOut, err := tarCmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return fmt.Errorf("opening stdout for tar: %w", err)
		}
		if err := tarCmd.Start(); err != nil {
			stdin.Close()
			return fmt.Errorf("starting tar: %w", err)
		}
		if _, err := io.Copy(stdin, tarOut); err != nil {
			logger.Debug().Err(err).Msg("copying tar output to load failed")
		}
		stdin.Close()
		if err := tarCmd.Wait(); err != nil {
			logger.Debug().Err(err).Msg("tar command failed")
		}
	} else {
		f, err := os.Open(imageFullPath)
		if err != nil {
			stdin.Close()
			return fmt.Errorf("opening image tarball %q: %w", imageFullPath, err)
		}
		_, copyErr := io.Copy(stdin, bufio.NewReaderSize(f, 256*1024))
		f.Close()
		stdin.Close()
		if copyErr != nil {
			return fmt.Errorf("streaming image tarball to load: %w", copyErr)
		}
	}

	if err := loadCmd.Wait(); err != nil {
		return fmt.Errorf("'%s load' failed: %w. stderr:\n%s\nstdout:\n%s", binary, err, loadErr.String(), loadOut.String())
	}

	loadedImageID := parseLoadedImageID(loadOut.String())
	if loadedImageID != "" {
		tagCmd := exec.CommandContext(ctx, binary, "tag", loadedImageID, imageTag)
		rc.RestrictCommandEnvironment(tagCmd, []string{binary})
		if _, err := tagCmd.Output(); err != nil {
			logger.Debug().Err(err).Msg("tagging loaded image failed")
		} else {
			logger.Info().Str("image", imageTag).Msg("successfully loaded and tagged image")
		}
	} else {
		logger.Info().Msg("could not parse image ID from load output, assuming tag is correct")
	}

	return nil
}

func parseLoadedImageID(loadOutput string) string {
	for _, line := range strings.Split(loadOutput, "\n") {
		for _, prefix := range []string{"Loaded image ID: ", "Loaded image: "} {
			if rest, ok := strings.CutPrefix(line, prefix); ok {
				return strings.TrimSpace(rest)
			}
		}
	}
	return ""
}

func containerRuntimeDetails(runtime Runtime) (binary, imageTag string, err error) {
	switch runtime.Kind {
	case RuntimeDocker:
		return "docker", runtime.ImageTag, nil
	case RuntimePodman:
		return "podman", runtime.ImageTag, nil
	default:
		return "", "", fmt.Errorf("invalid runtime for container execution: %q; must be docker or podman", runtime.Kind)
	}
}

// BuildContainerCommand builds the "docker run"/"podman run" invocation
// for scriptPath, isolating it in its own XDG_RUNTIME_DIR and mounting
// only the lab base path plus, when the request opts in, the named impure
// host path escape hatches.
func BuildContainerCommand(ctx context.Context, rc *RuntimeContext, runtime Runtime, scriptPath string, args []string) (*exec.Cmd, error) {
	binary, imageTag, err := containerRuntimeDetails(runtime)
	if err != nil {
		return nil, err
	}
	req := rc.Request

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.RepxOutDir))
	uniqueID := h.Sum64()

	xdgRuntimeDir := filepath.Join(req.BasePath, common.DirRepx, "runtime", fmt.Sprintf("podman-%x", uniqueID))
	if _, err := os.Stat(xdgRuntimeDir); err != nil {
		if err := os.MkdirAll(xdgRuntimeDir, 0700); err != nil {
			return nil, fmt.Errorf("creating container runtime dir: %w", err)
		}
	}

	cmdArgs := []string{"run", "--rm", "--hostname", "repx-container", "--env", "TERM=xterm"}
	if runtime.Kind == RuntimePodman {
		cmdArgs = append(cmdArgs, "--unsetenv", "container")
	}
	cmdArgs = append(cmdArgs,
		"--volume", fmt.Sprintf("%s:%s", req.BasePath, req.BasePath),
		"--workdir", req.UserOutDir,
	)

	logger := common.GetLogger()
	if req.MountHostPaths {
		logger.Info().Msg("[IMPURE] mount_host_paths is enabled. Container is not isolated.")
		for _, dir := range []string{"/home", "/tmp", "/var", "/opt", "/run", "/media", "/mnt"} {
			if _, err := os.Stat(dir); err == nil {
				cmdArgs = append(cmdArgs, "-v", fmt.Sprintf("%s:%s", dir, dir))
			}
		}
		if _, err := os.Stat("/nix"); err == nil {
			cmdArgs = append(cmdArgs, "-v", "/nix:/nix")
		}
	} else if len(req.MountPaths) > 0 {
		logger.Info().Strs("paths", req.MountPaths).Msg("[IMPURE] specific host paths mounted")
		for _, p := range req.MountPaths {
			cmdArgs = append(cmdArgs, "-v", fmt.Sprintf("%s:%s", p, p))
		}
	}

	cmdArgs = append(cmdArgs, imageTag, scriptPath)
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, binary, cmdArgs...)
	rc.RestrictCommandEnvironment(cmd, []string{binary})
	cmd.Env = append(cmd.Env, "XDG_RUNTIME_DIR="+xdgRuntimeDir)

	return cmd, nil
}
