// Package batch drives a closure of jobs to completion on a SLURM
// cluster: every job in the batch becomes one sbatch submission,
// chained to its in-batch dependencies with --dependency=afterok, and a
// ScatterGather job's worker fan-out/fan-in is delegated to the job's own
// re-entrant "internal-scatter-gather --phase all --scheduler slurm"
// invocation (internal/scatter's runAllPhasesSlurm), which submits its
// own per-(branch,step) sbatch jobs once it starts running on the cluster.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/resources"
	"github.com/repx-org/repx/internal/scatter"
	"github.com/repx-org/repx/internal/target"
)

// SubmitOptions parameterizes one SLURM batch submission.
type SubmitOptions struct {
	Resources *resources.Resources

	// StepSbatchOpts is forwarded verbatim to a ScatterGather job's
	// per-step sbatch submissions.
	StepSbatchOpts string

	ExecutionType string
}

// jobFailure mirrors the local scheduler's end-of-batch failure summary
// (internal/scheduler/local.jobFailure), but here a "failure" is an sbatch
// rejection rather than a nonzero exit, since this package only submits -
// it never waits for a submitted job to run.
type jobFailure struct {
	jobID  model.JobId
	reason string
}

// Submit topologically orders jobsInBatch by in-batch dependency and
// submits one sbatch job per entry, in order, chaining each job's
// --dependency=afterok to the slurm ids of its in-batch dependencies. It
// returns a human-readable summary and the map of submitted JobId to
// SLURM job id, which the caller persists to the on-disk slurm-id map so a
// later `repx cancel` can find it.
func Submit(
	ctx context.Context,
	lab *model.Lab,
	jobsInBatch map[model.JobId]model.Job,
	tgt target.Target,
	repxBinaryPath string,
	opts SubmitOptions,
) (string, map[model.JobId]uint32, error) {
	logger := common.GetLogger()

	order, err := model.TopologicalOrderJobs(jobsInBatch)
	if err != nil {
		return "", nil, err
	}

	submittedIDs := make(map[model.JobId]uint32, len(jobsInBatch))
	var failures []jobFailure

	for _, jobID := range order {
		select {
		case <-ctx.Done():
			return "", submittedIDs, ctx.Err()
		default:
		}

		job := jobsInBatch[jobID]

		args, buildErr := buildSpawnArgs(lab, job, jobID, tgt, opts)
		if buildErr != nil {
			failures = append(failures, jobFailure{jobID: jobID, reason: buildErr.Error()})
			continue
		}

		directives := resources.ResolveForJob(jobID, tgt.Name(), opts.Resources, job.ResourceHints)

		var dependencyIDs []string
		for _, depID := range job.AllDependencies() {
			if id, ok := submittedIDs[depID]; ok {
				dependencyIDs = append(dependencyIDs, strconv.FormatUint(uint64(id), 10))
			}
		}

		sbatchArgs := []string{"--parsable"}
		sbatchArgs = append(sbatchArgs, directives.ToArgs()...)
		if len(dependencyIDs) > 0 {
			sbatchArgs = append(sbatchArgs, "--dependency=afterok:"+strings.Join(dependencyIDs, ":"))
		}

		outDir := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx)
		sbatchArgs = append(sbatchArgs,
			fmt.Sprintf("--job-name=%s", jobID.String()),
			fmt.Sprintf("--output=%s/slurm-%%j.out", outDir),
			"--wrap", shellJoin(repxBinaryPath, args),
		)

		stdout, runErr := tgt.RunCommand("sbatch", sbatchArgs)
		if runErr != nil {
			failures = append(failures, jobFailure{jobID: jobID, reason: runErr.Error()})
			continue
		}

		slurmID, parseErr := strconv.ParseUint(strings.TrimSpace(stdout), 10, 32)
		if parseErr != nil {
			failures = append(failures, jobFailure{jobID: jobID, reason: fmt.Sprintf("sbatch returned non-numeric job id %q", stdout)})
			continue
		}

		submittedIDs[jobID] = uint32(slurmID)
		logger.Info().Str("job_id", jobID.ShortId()).Int64("slurm_id", int64(slurmID)).Msg("job submitted to slurm")
	}

	if len(failures) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "%d of %d job submission(s) failed:\n", len(failures), len(order))
		for _, f := range failures {
			fmt.Fprintf(&b, "\n=== %s ===\n%s\n", f.jobID, f.reason)
		}
		return "", submittedIDs, fmt.Errorf("%s", b.String())
	}

	return fmt.Sprintf("submitted %d jobs to slurm", len(submittedIDs)), submittedIDs, nil
}

// Cancel cancels job's own SLURM job (scancel slurmID) and, if it is (or
// was) a ScatterGather stage, reaps every worker it fanned out to by
// reading worker_slurm_ids.json and calling ScancelBatch.
func Cancel(tgt target.Target, jobID model.JobId, slurmID uint32) error {
	logger := common.GetLogger()

	if err := tgt.Scancel(strconv.FormatUint(uint64(slurmID), 10)); err != nil {
		return fmt.Errorf("cancelling slurm job %d for '%s': %w", slurmID, jobID, err)
	}

	manifestPath := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx, common.ManifestWorkerSlurmIds)
	lines, err := tgt.ReadFileTail(manifestPath, 10000)
	if err != nil {
		return nil
	}

	var workerIDs []uint32
	if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &workerIDs); err != nil || len(workerIDs) == 0 {
		return nil
	}

	workerIDStrs := make([]string, len(workerIDs))
	for i, id := range workerIDs {
		workerIDStrs[i] = strconv.FormatUint(uint64(id), 10)
	}

	logger.Info().Int("count", len(workerIDs)).Str("job_id", jobID.String()).Msg("cancelling scatter-gather worker jobs")
	if err := tgt.ScancelBatch(workerIDStrs); err != nil {
		logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to cancel worker jobs")
	}
	return nil
}

// buildSpawnArgs mirrors internal/scheduler/local's buildSpawnArgs, adapted
// for slurm dispatch: a ScatterGather job's entrypoint is told
// "--scheduler slurm --step-sbatch-opts <opts>" so its own "all" phase fans
// its steps out as further sbatch submissions instead of running them
// in-process.
func buildSpawnArgs(lab *model.Lab, job model.Job, jobID model.JobId, tgt target.Target, opts SubmitOptions) ([]string, error) {
	imageTag := resolveImageTag(lab, jobID)
	targetConfig := tgt.Config()

	executionType := opts.ExecutionType
	if executionType == "" {
		if imageTag == "" {
			executionType = "native"
		} else if targetConfig.DefaultExecutionType != "" {
			executionType = targetConfig.DefaultExecutionType
		} else {
			executionType = "native"
		}
	}

	var args []string
	if job.StageType == model.StageScatterGather {
		args = append(args, "internal-scatter-gather")
	} else {
		args = append(args, "internal-execute")
	}

	args = append(args, "--job-id", jobID.String())
	args = append(args, "--runtime", executionType)
	if imageTag != "" {
		args = append(args, "--image-tag", imageTag)
	}
	args = append(args, "--base-path", tgt.BasePath())

	if targetConfig.NodeLocalPath != "" {
		args = append(args, "--node-local-path", targetConfig.NodeLocalPath)
	}
	args = append(args, "--host-tools-dir", lab.HostToolsDirName)

	if targetConfig.MountHostPaths {
		args = append(args, "--mount-host-paths")
	} else {
		for _, p := range targetConfig.MountPaths {
			args = append(args, "--mount-paths", p)
		}
	}

	if job.StageType == model.StageScatterGather {
		scatterExe, ok := job.Executables["scatter"]
		if !ok {
			return nil, fmt.Errorf("scatter-gather job '%s' has no 'scatter' executable", jobID)
		}
		gatherExe, ok := job.Executables["gather"]
		if !ok {
			return nil, fmt.Errorf("scatter-gather job '%s' has no 'gather' executable", jobID)
		}

		artifactsBase := tgt.ArtifactsBasePath()
		jobPackagePath := filepath.Join(artifactsBase, "jobs", jobID.String())
		scatterExePath := filepath.Join(artifactsBase, scatterExe.Path)
		gatherExePath := filepath.Join(artifactsBase, gatherExe.Path)

		stepsJSON, lastStepOutputsJSON, err := scatter.BuildStepsJSON(job, artifactsBase)
		if err != nil {
			return nil, fmt.Errorf("building step plan for job '%s': %w", jobID, err)
		}

		// The orchestrator sbatch job itself runs with the parent job's
		// directives; each per-step submission its "all" phase fans out
		// gets the resolved worker directives instead, unless the caller
		// pinned an explicit override.
		stepSbatchOpts := opts.StepSbatchOpts
		if stepSbatchOpts == "" {
			workerDirectives := resources.ResolveWorkerResources(jobID, tgt.Name(), opts.Resources, job.ResourceHints, nil)
			stepSbatchOpts = strings.Join(workerDirectives.ToArgs(), " ")
		}

		args = append(args,
			"--job-package-path", jobPackagePath,
			"--scatter-exe-path", scatterExePath,
			"--gather-exe-path", gatherExePath,
			"--steps-json", stepsJSON,
			"--last-step-outputs-json", lastStepOutputsJSON,
			"--scheduler", "slurm",
			"--step-sbatch-opts", stepSbatchOpts,
		)
	} else {
		mainExe, ok := job.Executables["main"]
		if !ok {
			return nil, fmt.Errorf("job '%s' has no 'main' executable", jobID)
		}
		args = append(args, "--executable-path", filepath.Join(tgt.ArtifactsBasePath(), mainExe.Path))
	}

	return args, nil
}

func resolveImageTag(lab *model.Lab, jobID model.JobId) string {
	for _, run := range lab.Runs {
		for _, id := range run.Jobs {
			if id != jobID {
				continue
			}
			if run.Image == nil {
				return ""
			}
			base := filepath.Base(*run.Image)
			return strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	return ""
}

// shellJoin renders program and args as a single POSIX shell command
// string for sbatch --wrap, single-quoting every argument.
func shellJoin(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteArg(program))
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
