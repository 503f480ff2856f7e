// Package execruntime builds and runs the subprocess that carries out one
// job's executable, under one of three sandboxing strategies (native,
// OCI container via docker/podman, user-namespace isolation via bwrap),
// and leaves behind the two files every other package relies on to know
// what happened: stdout.log and stderr.log under the job's repx output
// directory. Whether the run succeeded is reported by the returned error;
// writing the SUCCESS/FAIL marker is the caller's job, not this package's.
package execruntime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/repxerr"
)

// RuntimeKind selects which sandboxing strategy builds the job command.
type RuntimeKind string

const (
	RuntimeNative RuntimeKind = "native"
	RuntimeDocker RuntimeKind = "docker"
	RuntimePodman RuntimeKind = "podman"
	RuntimeBwrap  RuntimeKind = "bwrap"
)

// Runtime names the sandboxing strategy and, for the container and bwrap
// cases, the image tag to run under.
type Runtime struct {
	Kind     RuntimeKind
	ImageTag string
}

// ExecutionRequest is everything a runtime needs to build and place the
// job's subprocess: paths are all absolute.
type ExecutionRequest struct {
	JobID   model.JobId
	Runtime Runtime

	BasePath       string
	NodeLocalPath  string // empty means "use BasePath"
	JobPackagePath string
	InputsJSONPath string
	UserOutDir     string
	RepxOutDir     string

	// HostToolsBinDir is empty when the lab declares no host-tools bundle.
	HostToolsBinDir string

	// MountHostPaths and MountPaths control container/bwrap isolation
	// escape hatches; both are explicitly impure and logged as such.
	MountHostPaths bool
	MountPaths     []string
}

// Executor drives one ExecutionRequest to completion.
type Executor struct {
	Request ExecutionRequest
}

// NewExecutor constructs an Executor for req.
func NewExecutor(req ExecutionRequest) *Executor {
	return &Executor{Request: req}
}

func (e *Executor) context() *RuntimeContext {
	return NewRuntimeContext(&e.Request)
}

// ExecuteScript builds the command for the executor's runtime, runs it
// with stdout/stderr appended to stdout.log/stderr.log under RepxOutDir,
// and returns an error describing a nonzero exit (including the contents
// of stderr.log) or a failure to even start the command.
func (e *Executor) ExecuteScript(ctx context.Context, scriptPath string, args []string) error {
	stdoutPath := filepath.Join(e.Request.RepxOutDir, common.LogStdout)
	stderrPath := filepath.Join(e.Request.RepxOutDir, common.LogStderr)

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening stdout.log: %w", err)
	}
	defer stdoutFile.Close()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening stderr.log: %w", err)
	}
	defer stderrFile.Close()

	cmd, err := e.BuildCommandForScript(ctx, scriptPath, args)
	if err != nil {
		return err
	}

	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	logger := common.GetLogger()
	logger.Info().Str("job_id", e.Request.JobID.String()).Str("command", cmd.Path).Strs("args", cmd.Args).Msg("executing command")

	runErr := cmd.Run()
	if runErr == nil {
		return nil
	}

	stderrContent, readErr := os.ReadFile(stderrPath)
	if readErr != nil {
		stderrContent = []byte(fmt.Sprintf("<failed to read stderr.log: %s>", readErr))
	}

	exitCode := 1
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	return fmt.Errorf("execution of '%s' failed with exit code %d:\n--- STDERR ---\n%s", scriptPath, exitCode, bytes.TrimRight(stderrContent, "\n"))
}

// BuildCommandForScript dispatches to the runtime-specific command builder
// without running it; exported so the scatter-gather orchestrator can wrap
// the built *exec.Cmd into an sbatch --wrap submission for a SLURM step.
func (e *Executor) BuildCommandForScript(ctx context.Context, scriptPath string, args []string) (*exec.Cmd, error) {
	rc := e.context()

	switch e.Request.Runtime.Kind {
	case RuntimeNative:
		return BuildNativeCommand(ctx, &e.Request, scriptPath, args), nil
	case RuntimeDocker, RuntimePodman:
		if err := EnsureImageLoaded(ctx, rc, e.Request.Runtime); err != nil {
			return nil, err
		}
		return BuildContainerCommand(ctx, rc, e.Request.Runtime, scriptPath, args)
	case RuntimeBwrap:
		rootfsPath, err := EnsureRootfsExtracted(ctx, rc, e.Request.Runtime.ImageTag)
		if err != nil {
			return nil, err
		}
		return BuildBwrapCommand(ctx, rc, rootfsPath, scriptPath, args)
	default:
		return nil, fmt.Errorf("unknown runtime kind: %q", e.Request.Runtime.Kind)
	}
}

// RuntimeContext resolves tools, images, and scratch paths for one
// ExecutionRequest, shared by all three runtime builders.
type RuntimeContext struct {
	Request *ExecutionRequest
}

// NewRuntimeContext wraps req for tool/image/path resolution.
func NewRuntimeContext(req *ExecutionRequest) *RuntimeContext {
	return &RuntimeContext{Request: req}
}

// FindSystemBinaryDir returns the PATH directory containing binaryName, if
// any.
func (rc *RuntimeContext) FindSystemBinaryDir(binaryName string) (string, bool) {
	pathVar := os.Getenv("PATH")
	for _, dir := range filepath.SplitList(pathVar) {
		candidate := filepath.Join(dir, binaryName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// GetHostToolPath resolves toolName against the lab's bundled host-tools
// directory, erroring with repxerr.HostToolsMissing if none is configured
// or the tool isn't present in it.
func (rc *RuntimeContext) GetHostToolPath(toolName string) (string, error) {
	if rc.Request.HostToolsBinDir == "" {
		return "", &repxerr.HostToolsMissing{Tools: []string{toolName}}
	}
	toolPath := filepath.Join(rc.Request.HostToolsBinDir, toolName)
	if _, err := os.Stat(toolPath); err != nil {
		return "", &repxerr.HostToolsMissing{Tools: []string{toolName}}
	}
	return toolPath, nil
}

// ResolveTool finds toolName in the lab's host-tools bundle first, falling
// back to the system binary allowlist; anything else is refused.
func (rc *RuntimeContext) ResolveTool(toolName string) (string, error) {
	if path, err := rc.GetHostToolPath(toolName); err == nil {
		return path, nil
	}

	if IsBinaryAllowed(toolName) {
		if dir, ok := rc.FindSystemBinaryDir(toolName); ok {
			path := filepath.Join(dir, toolName)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", &repxerr.ToolNotAllowed{Tool: toolName}
}

// FindImageFile locates the on-disk artifact for imageTag, checking
// images, then artifacts/images and artifacts/image under the base path, under
// each of the bare tag, "<tag>.gz", "<tag>.tar", and "<tag>.tar.gz" names.
func (rc *RuntimeContext) FindImageFile(imageTag string) (string, bool) {
	req := rc.Request
	suffixes := []string{"", ".gz", ".tar", ".tar.gz"}

	tryDir := func(dir string) (string, bool) {
		if _, err := os.Stat(dir); err != nil {
			return "", false
		}
		for _, suffix := range suffixes {
			candidate := filepath.Join(dir, imageTag+suffix)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
		return "", false
	}

	if path, ok := tryDir(filepath.Join(req.BasePath, "images")); ok {
		return path, true
	}

	for _, subdir := range []string{"images", "image"} {
		if path, ok := tryDir(filepath.Join(req.BasePath, "artifacts", subdir)); ok {
			return path, true
		}
	}
	return "", false
}

// GetTempPath returns the scratch directory for lock files and staging,
// preferring node-local storage over the (possibly shared, slower) base
// path when the request names one.
func (rc *RuntimeContext) GetTempPath() string {
	root := rc.Request.BasePath
	if rc.Request.NodeLocalPath != "" {
		root = rc.Request.NodeLocalPath
	}
	tempRoot := filepath.Join(root, common.DirRepx, "temp")
	_ = os.MkdirAll(tempRoot, 0755)
	return tempRoot
}

// GetImagesCacheDir returns the directory extracted/loaded image state is
// cached under, node-local when available.
func (rc *RuntimeContext) GetImagesCacheDir() string {
	root := rc.Request.BasePath
	if rc.Request.NodeLocalPath != "" {
		root = rc.Request.NodeLocalPath
	}
	return filepath.Join(root, common.DirRepx, "cache", "images")
}

// GetCapabilitiesCacheDir returns the directory host-capability probe
// results (e.g. whether bwrap overlay mounts work here) are cached under.
func (rc *RuntimeContext) GetCapabilitiesCacheDir() string {
	return filepath.Join(filepath.Dir(rc.GetImagesCacheDir()), "capabilities")
}

// CalculateRestrictedPath builds a PATH value containing only the lab's
// host-tools bin dir plus the directories of explicitly allowlisted
// system binaries actually present on the host, refusing (and logging) an
// attempt to allowlist anything not on the fixed system binary list.
func (rc *RuntimeContext) CalculateRestrictedPath(requiredSystemBinaries []string) string {
	logger := common.GetLogger()
	var newPaths []string

	if rc.Request.HostToolsBinDir != "" {
		newPaths = append(newPaths, rc.Request.HostToolsBinDir)
	}

	addedDirs := make(map[string]struct{})
	for _, binary := range requiredSystemBinaries {
		if !IsBinaryAllowed(binary) {
			logger.Info().Str("tool", binary).Msg("[SECURITY] blocked attempt to allowlist system binary not in the allowed list")
			continue
		}
		dir, ok := rc.FindSystemBinaryDir(binary)
		if !ok {
			logger.Debug().Str("tool", binary).Msg("allowed system tool not found in system PATH")
			continue
		}
		if _, seen := addedDirs[dir]; !seen {
			addedDirs[dir] = struct{}{}
			newPaths = append(newPaths, dir)
		}
	}

	joined := ""
	for i, p := range newPaths {
		if i > 0 {
			joined += string(os.PathListSeparator)
		}
		joined += p
	}
	return joined
}

// RestrictCommandEnvironment sets cmd's PATH to the output of
// CalculateRestrictedPath, so a spawned job (or the load/extract helpers
// that run ahead of it) can only ever resolve the host-tools bundle and
// the specific system binaries it was allowlisted for.
func (rc *RuntimeContext) RestrictCommandEnvironment(cmd *exec.Cmd, requiredSystemBinaries []string) {
	path := rc.CalculateRestrictedPath(requiredSystemBinaries)
	cmd.Env = append(filteredEnvWithoutPath(os.Environ()), "PATH="+path)
}

func filteredEnvWithoutPath(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			continue
		}
		out = append(out, kv)
	}
	return out
}
