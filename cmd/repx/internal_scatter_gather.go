package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/execruntime"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/scatter"
)

// cmdInternalScatterGather implements `repx internal-scatter-gather`: the
// re-entrant child command the local scheduler spawns for a ScatterGather
// job, and the command a batch submission's gather sbatch job re-enters
// with --phase gather once every branch's sink step has finished.
func cmdInternalScatterGather(args []string) error {
	fs := flag.NewFlagSet("internal-scatter-gather", flag.ExitOnError)
	configFiles := configPathsFlag(fs)
	jobID := fs.String("job-id", "", "job id being executed")
	phase := fs.String("phase", "all", "all|scatter-only|step|gather")
	runtimeKind := fs.String("runtime", "native", "native|podman|docker|bwrap")
	imageTag := fs.String("image-tag", "", "image tag (container/bwrap runtimes only)")
	basePath := fs.String("base-path", "", "target base path")
	nodeLocalPath := fs.String("node-local-path", "", "node-local scratch path override")
	hostToolsDir := fs.String("host-tools-dir", "", "host-tools bundle directory name under artifacts/host-tools")
	jobPackagePath := fs.String("job-package-path", "", "job's artifact package directory")
	scatterExePath := fs.String("scatter-exe-path", "", "absolute path to the scatter executable")
	gatherExePath := fs.String("gather-exe-path", "", "absolute path to the gather executable")
	stepsJSON := fs.String("steps-json", "", "serialized step plan (internal/scatter.StepsMetadata)")
	lastStepOutputsJSON := fs.String("last-step-outputs-json", "", "serialized sink step output template map")
	scheduler := fs.String("scheduler", "local", "local|slurm")
	stepSbatchOpts := fs.String("step-sbatch-opts", "", "extra sbatch flags for per-step submissions (slurm only)")
	mountHostPaths := fs.Bool("mount-host-paths", false, "bind-mount the entire host root into the sandbox")
	branchIdx := fs.Int("branch-idx", -1, "branch index (phase=step only)")
	stepName := fs.String("step-name", "", "step name (phase=step only)")
	anchorIDStr := fs.String("anchor-id", "", "held slurm job id this gather releases or cancels on completion")
	var mounts mountPaths
	fs.Var(&mounts, "mount-paths", "host path to bind-mount into the sandbox (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := loadConfig(*configFiles); err != nil {
		return err
	}

	if *jobID == "" || *basePath == "" || *stepsJSON == "" {
		return fmt.Errorf("internal-scatter-gather: --job-id, --base-path, and --steps-json are required")
	}

	steps, err := scatter.ParseStepsMetadata(*stepsJSON)
	if err != nil {
		return fmt.Errorf("parsing --steps-json: %w", err)
	}

	opts := scatter.PhaseOptions{
		JobID: model.JobId(*jobID),
		Phase: *phase,
		Steps: steps,

		BasePath:       *basePath,
		NodeLocalPath:  *nodeLocalPath,
		JobPackagePath: *jobPackagePath,
		InputsJSONPath: filepath.Join(*basePath, common.DirOutputs, *jobID, common.DirRepx, "inputs.json"),
		ScatterExePath: *scatterExePath,
		GatherExePath:  *gatherExePath,

		LastStepOutputsJSON: *lastStepOutputsJSON,

		Runtime: execruntime.Runtime{
			Kind:     execruntime.RuntimeKind(*runtimeKind),
			ImageTag: *imageTag,
		},
		HostToolsBinDir:  hostToolsBinDirFor(*basePath, *hostToolsDir),
		HostToolsDirName: *hostToolsDir,
		MountHostPaths:   *mountHostPaths,
		MountPaths:       mounts,

		Scheduler:      *scheduler,
		StepSbatchOpts: *stepSbatchOpts,
	}

	if *branchIdx >= 0 {
		opts.BranchIdx = branchIdx
	}
	if *stepName != "" {
		opts.StepName = stepName
	}
	if *anchorIDStr != "" {
		id, err := strconv.ParseUint(*anchorIDStr, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid --anchor-id %q: %w", *anchorIDStr, err)
		}
		anchor := uint32(id)
		opts.AnchorID = &anchor
	}

	return scatter.RunPhase(context.Background(), opts)
}

func hostToolsBinDirFor(basePath, hostToolsDirName string) string {
	if hostToolsDirName == "" {
		return ""
	}
	return filepath.Join(basePath, common.DirArtifacts, "host-tools", hostToolsDirName, common.DirBin)
}
