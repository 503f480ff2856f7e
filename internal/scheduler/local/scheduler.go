// Package local drives a closure of jobs to completion on a single
// target (which may itself be a remote host reached over SSH - "local"
// names the scheduling strategy, not the machine): a cooperative,
// single-threaded supervision loop admission-controlled by real RAM/CPU
// accounting, with child jobs running as parallel OS processes.
package local

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/resources"
	"github.com/repx-org/repx/internal/scatter"
	"github.com/repx-org/repx/internal/status"
	"github.com/repx-org/repx/internal/target"
)

// pollInterval is the sleep between admission attempts while children are
// in flight, matching the orchestrator's fixed 50ms cooperative cadence.
const pollInterval = 50 * time.Millisecond

// SubmitOptions parameterizes one batch submission.
type SubmitOptions struct {
	// NumJobs caps concurrent in-flight jobs; 0 means "use the host's
	// logical CPU count".
	NumJobs int

	// ContinueOnFailure, when true, marks a failed job's dependents as
	// blocked and keeps running the rest of the batch instead of
	// aborting on the first failure.
	ContinueOnFailure bool

	// ExecutionType overrides the resolved runtime backend
	// ("native"/"podman"/"docker"/"bwrap") for every job in the batch;
	// empty means auto-resolve (see resolveExecutionType).
	ExecutionType string

	Resources *resources.Resources
}

// jobFailure records one job's failure reason for the end-of-batch error
// summary.
type jobFailure struct {
	jobID  model.JobId
	reason string
}

// activeJob is one spawned-and-not-yet-reaped child.
type activeJob struct {
	jobID  model.JobId
	handle target.JobHandle
}

// Submit runs jobsInBatch to completion against tgt, using repxBinaryPath
// (already deployed on tgt) to spawn each job's internal-execute or
// internal-scatter-gather re-entry. foundStatuses is the set of
// externally-observed job statuses (e.g. from a prior invocation's
// on-disk markers), used to seed which dependencies already count as
// completed.
func Submit(
	ctx context.Context,
	lab *model.Lab,
	jobsInBatch map[model.JobId]model.Job,
	tgt target.Target,
	repxBinaryPath string,
	foundStatuses map[model.JobId]status.JobStatus,
	opts SubmitOptions,
) (string, error) {
	logger := common.GetLogger()

	allDeps := make(map[model.JobId]struct{})
	for _, job := range jobsInBatch {
		for _, id := range job.AllDependencies() {
			allDeps[id] = struct{}{}
		}
	}

	allJobStatuses := status.DetermineJobStatuses(lab, foundStatuses)
	completedJobs := make(map[model.JobId]struct{})
	for id, s := range allJobStatuses {
		if !s.IsSucceeded() {
			continue
		}
		_, isDep := allDeps[id]
		_, inBatch := jobsInBatch[id]
		if isDep || inBatch {
			completedJobs[id] = struct{}{}
		}
	}

	jobsLeft := make(map[model.JobId]struct{}, len(jobsInBatch))
	for id := range jobsInBatch {
		jobsLeft[id] = struct{}{}
	}
	totalToSubmit := len(jobsInBatch)
	submittedCount := 0

	concurrency := opts.NumJobs
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	tracker, err := NewResourceTracker()
	if err != nil {
		return "", fmt.Errorf("initializing resource tracker: %w", err)
	}

	var active []activeJob
	var failedJobs []jobFailure
	failedJobIDs := make(map[model.JobId]struct{})
	blockedJobs := make(map[model.JobId]struct{})

	for {
		var stillActive []activeJob
		for _, aj := range active {
			done, waitErr := pollHandle(aj.handle)
			if !done {
				stillActive = append(stillActive, aj)
				continue
			}

			tracker.Release(aj.jobID)

			if waitErr == nil {
				completedJobs[aj.jobID] = struct{}{}
				continue
			}

			reason := describeFailure(tgt, aj.jobID, waitErr)
			if !opts.ContinueOnFailure {
				return "", fmt.Errorf("local run failed for job '%s': %s", aj.jobID, reason)
			}

			failedJobs = append(failedJobs, jobFailure{jobID: aj.jobID, reason: reason})
			failedJobIDs[aj.jobID] = struct{}{}

			for candidateID, candidateJob := range jobsInBatch {
				if _, left := jobsLeft[candidateID]; !left {
					continue
				}
				if dependsOn(candidateJob, aj.jobID) {
					blockedJobs[candidateID] = struct{}{}
				}
			}
		}
		active = stillActive

		if len(jobsLeft) == 0 && len(active) == 0 {
			break
		}

		slotsAvailable := concurrency - len(active)

		for blockedID := range blockedJobs {
			delete(jobsLeft, blockedID)
		}
		blockedJobs = make(map[model.JobId]struct{})

		if slotsAvailable > 0 && len(jobsLeft) > 0 {
			readyCandidates := readyJobs(jobsInBatch, jobsLeft, completedJobs, failedJobIDs)

			if len(readyCandidates) == 0 && len(active) == 0 {
				if len(failedJobs) > 0 {
					break
				}
				return "", fmt.Errorf("cycle detected in job dependency graph or missing dependency")
			}

			spawnedThisIteration := 0
			for _, jobID := range readyCandidates {
				if spawnedThisIteration >= slotsAvailable {
					break
				}

				job := jobsInBatch[jobID]

				jobMem := resources.JobMemBytes(job, tgt.Name(), opts.Resources)
				jobCpus := resources.JobCpus(job, tgt.Name(), opts.Resources)

				if !tracker.CanFit(jobID, jobMem, jobCpus) {
					logger.Debug().
						Str("job_id", jobID.ShortId()).
						Str("mem_needed", formatBytes(jobMem)).
						Int("cpus_needed", int(jobCpus)).
						Msg("job waiting for resources")
					continue
				}

				delete(jobsLeft, jobID)
				tracker.Reserve(jobID, jobMem, jobCpus)

				args, buildErr := buildSpawnArgs(lab, job, jobID, tgt, opts)
				if buildErr != nil {
					tracker.Release(jobID)
					if !opts.ContinueOnFailure {
						return "", buildErr
					}
					failedJobs = append(failedJobs, jobFailure{jobID: jobID, reason: buildErr.Error()})
					failedJobIDs[jobID] = struct{}{}
					continue
				}

				handle, spawnErr := tgt.SpawnRepxJob(repxBinaryPath, args)
				if spawnErr != nil {
					tracker.Release(jobID)
					if !opts.ContinueOnFailure {
						return "", fmt.Errorf("failed to launch local process for job '%s': %w", jobID, spawnErr)
					}
					failedJobs = append(failedJobs, jobFailure{jobID: jobID, reason: fmt.Sprintf("failed to launch local process: %v", spawnErr)})
					failedJobIDs[jobID] = struct{}{}
					continue
				}

				submittedCount++
				spawnedThisIteration++

				logger.Info().
					Str("job_id", jobID.ShortId()).
					Int("pid", handle.Pid()).
					Int("total", totalToSubmit).
					Int("current", submittedCount).
					Msg("job started")

				active = append(active, activeJob{jobID: jobID, handle: wrapHandle(handle)})
			}
		}

		if len(active) > 0 {
			time.Sleep(pollInterval)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	if len(failedJobs) > 0 {
		numFailed := len(failedJobs)
		numSucceeded := submittedCount - numFailed
		numSkipped := totalToSubmit - submittedCount

		var b strings.Builder
		fmt.Fprintf(&b, "%d job(s) failed, %d succeeded, %d skipped due to failed dependencies:\n", numFailed, numSucceeded, numSkipped)
		for _, f := range failedJobs {
			fmt.Fprintf(&b, "\n=== %s ===\n%s\n", f.jobID, f.reason)
		}
		return "", fmt.Errorf("%s", b.String())
	}

	return fmt.Sprintf("successfully executed %d jobs locally", submittedCount), nil
}

// pollHandle reports whether h has finished without blocking. JobHandle
// doesn't expose a non-blocking poll directly, so every handle is given
// its own completion channel at spawn time (wrapHandle) and polling is a
// non-blocking receive on it.
func pollHandle(h target.JobHandle) (bool, error) {
	ch, ok := h.(*pollableHandle)
	if !ok {
		// Fallback: block. Only reachable if a Target implementation
		// returns a bare JobHandle instead of the pollableHandle spawn
		// always wraps it in below.
		return true, h.Wait()
	}
	select {
	case err := <-ch.done:
		return true, err
	default:
		return false, nil
	}
}

// pollableHandle wraps a target.JobHandle so its exit status can be
// observed without blocking the scheduling loop: a per-job reaper
// goroutine blocks on Wait and delivers the result into a buffered
// channel the loop polls.
type pollableHandle struct {
	inner target.JobHandle
	done  chan error
}

func wrapHandle(h target.JobHandle) *pollableHandle {
	p := &pollableHandle{inner: h, done: make(chan error, 1)}
	common.SafeGo(common.GetLogger(), "local-scheduler-reaper", func() {
		p.done <- h.Wait()
	})
	return p
}

func (p *pollableHandle) Wait() error { return <-p.done }
func (p *pollableHandle) Pid() int    { return p.inner.Pid() }

func dependsOn(job model.Job, failedID model.JobId) bool {
	for _, exe := range job.Executables {
		for _, in := range exe.Inputs {
			if in.JobID != nil && *in.JobID == failedID {
				return true
			}
		}
	}
	return false
}

// readyJobs filters jobsLeft down to schedulable candidates (excluding
// Worker/Gather stage types, which the scatter-gather orchestrator drives
// internally) whose entrypoint executable's dependencies are all
// completed and none are in the failed set, sorted deterministically by
// JobId.
func readyJobs(
	jobsInBatch map[model.JobId]model.Job,
	jobsLeft map[model.JobId]struct{},
	completedJobs, failedJobIDs map[model.JobId]struct{},
) []model.JobId {
	var candidates []model.JobId

	for jobID := range jobsLeft {
		job := jobsInBatch[jobID]

		if job.StageType == model.StageWorker || job.StageType == model.StageGather {
			continue
		}

		entrypoint, ok := job.Executables["main"]
		if !ok {
			entrypoint, ok = job.Executables["scatter"]
		}
		if !ok {
			panic(fmt.Sprintf("job %q missing required executable 'main' or 'scatter'", jobID))
		}

		depsMet := true
		noFailedDeps := true
		for _, in := range entrypoint.Inputs {
			if in.JobID == nil {
				continue
			}
			if _, done := completedJobs[*in.JobID]; !done {
				depsMet = false
			}
			if _, failed := failedJobIDs[*in.JobID]; failed {
				noFailedDeps = false
			}
		}

		if depsMet && noFailedDeps {
			candidates = append(candidates, jobID)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return candidates
}

// resolveImageTag finds the run jobID belongs to and returns its image's
// file stem (the bare tag repx uses to key store/cache entries), or ""
// if the run declares no image.
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

// resolveExecutionType picks the runtime backend: an explicit override
// wins, otherwise a job whose run has no image always runs native,
// otherwise the target's configured default (native if unset).
func resolveExecutionType(opts SubmitOptions, imageTag string, defaultExecutionType string) string {
	if opts.ExecutionType == "" && imageTag == "" {
		return "native"
	}
	if opts.ExecutionType != "" {
		return opts.ExecutionType
	}
	if defaultExecutionType != "" {
		return defaultExecutionType
	}
	return "native"
}

// buildSpawnArgs constructs the internal-execute/internal-scatter-gather
// CLI argument vector the orchestrator binary re-enters itself with as a
// child process for jobID.
func buildSpawnArgs(lab *model.Lab, job model.Job, jobID model.JobId, tgt target.Target, opts SubmitOptions) ([]string, error) {
	imageTag := resolveImageTag(lab, jobID)

	targetConfig := tgt.Config()
	executionType := resolveExecutionType(opts, imageTag, targetConfig.DefaultExecutionType)

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
		if len(targetConfig.MountPaths) > 0 {
			return nil, fmt.Errorf("cannot specify both mount_host_paths and mount_paths for job '%s'", jobID)
		}
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

		args = append(args,
			"--job-package-path", jobPackagePath,
			"--scatter-exe-path", scatterExePath,
			"--gather-exe-path", gatherExePath,
			"--steps-json", stepsJSON,
			"--last-step-outputs-json", lastStepOutputsJSON,
			"--scheduler", "local",
			"--step-sbatch-opts", "",
		)
	} else {
		mainExe, ok := job.Executables["main"]
		if !ok {
			return nil, fmt.Errorf("job '%s' has no 'main' executable", jobID)
		}
		executablePath := filepath.Join(tgt.ArtifactsBasePath(), mainExe.Path)
		args = append(args, "--executable-path", executablePath)
	}

	return args, nil
}

// describeFailure best-effort-reads the tail of a job's stderr.log on tgt
// to enrich the end-of-batch failure summary; a log it can't read just
// falls back to the bare Wait() error text.
func describeFailure(tgt target.Target, jobID model.JobId, waitErr error) string {
	stderrPath := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx, common.LogStderr)
	lines, err := tgt.ReadFileTail(stderrPath, 200)
	if err != nil || len(lines) == 0 {
		return waitErr.Error()
	}
	return strings.Join(lines, "\n")
}
