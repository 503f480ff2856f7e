package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/execruntime"
	"github.com/repx-org/repx/internal/model"
)

// mountPaths is a repeatable string flag, mirroring configPaths.
type mountPaths []string

func (m *mountPaths) String() string { return fmt.Sprintf("%v", *m) }
func (m *mountPaths) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// cmdInternalExecute implements `repx internal-execute`: the re-entrant
// child command the local and batch schedulers spawn for a Simple job.
// It reads inputs.json (already written by the submission engine), runs
// the job's executable under the requested runtime, and writes the
// SUCCESS/FAIL marker.
func cmdInternalExecute(args []string) error {
	fs := flag.NewFlagSet("internal-execute", flag.ExitOnError)
	configFiles := configPathsFlag(fs)
	jobID := fs.String("job-id", "", "job id being executed")
	runtimeKind := fs.String("runtime", "native", "native|podman|docker|bwrap")
	imageTag := fs.String("image-tag", "", "image tag (container/bwrap runtimes only)")
	basePath := fs.String("base-path", "", "target base path")
	nodeLocalPath := fs.String("node-local-path", "", "node-local scratch path override")
	hostToolsDir := fs.String("host-tools-dir", "", "host-tools bundle directory name under artifacts/host-tools")
	executablePath := fs.String("executable-path", "", "absolute path to the job's executable")
	mountHostPaths := fs.Bool("mount-host-paths", false, "bind-mount the entire host root into the sandbox")
	var mounts mountPaths
	fs.Var(&mounts, "mount-paths", "host path to bind-mount into the sandbox (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := loadConfig(*configFiles); err != nil {
		return err
	}

	if *jobID == "" || *basePath == "" || *executablePath == "" {
		return fmt.Errorf("internal-execute: --job-id, --base-path, and --executable-path are required")
	}

	jid := model.JobId(*jobID)

	repxOutDir := filepath.Join(*basePath, common.DirOutputs, jid.String(), common.DirRepx)
	userOutDir := filepath.Join(*basePath, common.DirOutputs, jid.String(), common.DirOut)
	if err := os.MkdirAll(repxOutDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.MkdirAll(userOutDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var hostToolsBinDir string
	if *hostToolsDir != "" {
		hostToolsBinDir = filepath.Join(*basePath, common.DirArtifacts, "host-tools", *hostToolsDir, common.DirBin)
	}

	req := execruntime.ExecutionRequest{
		JobID: jid,
		Runtime: execruntime.Runtime{
			Kind:     execruntime.RuntimeKind(*runtimeKind),
			ImageTag: *imageTag,
		},
		BasePath:        *basePath,
		NodeLocalPath:   *nodeLocalPath,
		JobPackagePath:  filepath.Dir(*executablePath),
		InputsJSONPath:  filepath.Join(repxOutDir, "inputs.json"),
		UserOutDir:      userOutDir,
		RepxOutDir:      repxOutDir,
		HostToolsBinDir: hostToolsBinDir,
		MountHostPaths:  *mountHostPaths,
		MountPaths:      mounts,
	}

	executor := execruntime.NewExecutor(req)
	runErr := executor.ExecuteScript(context.Background(), *executablePath, []string{req.InputsJSONPath})

	successPath := filepath.Join(repxOutDir, common.MarkerSuccess)
	failPath := filepath.Join(repxOutDir, common.MarkerFail)

	if runErr != nil {
		logger.Error().Str("job_id", jid.ShortId()).Err(runErr).Msg("job execution failed")
		if markErr := common.WriteMarker(failPath); markErr != nil {
			return fmt.Errorf("job failed (%v) and writing FAIL marker also failed: %w", runErr, markErr)
		}
		return runErr
	}

	return common.WriteMarker(successPath)
}
