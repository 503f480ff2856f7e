// Package submission turns a user request into the minimal set of
// runnable jobs: it resolves run/job specifiers to a dependency closure,
// deploys the orchestrator binary and syncs the lab onto a target,
// filters out already-succeeded jobs, syncs referenced images, generates
// each surviving job's inputs.json, and dispatches the remaining work to
// either the local scheduler or the batch driver.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/inputs"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/repxerr"
	"github.com/repx-org/repx/internal/resources"
	batchsched "github.com/repx-org/repx/internal/scheduler/batch"
	localsched "github.com/repx-org/repx/internal/scheduler/local"
	"github.com/repx-org/repx/internal/status"
	"github.com/repx-org/repx/internal/target"
)

// Options parameterizes one Submit call.
type Options struct {
	LocalLabPath string

	SchedulerKind     model.SchedulerType
	NumJobs           int
	ContinueOnFailure bool
	ExecutionType     string
	Resources         *resources.Resources
}

// ResolveSpecifiers expands the user-given specifiers (group names,
// RunIds, or job id prefixes) into the set of "final" jobs they name -
// jobs within the matched run(s) that nothing else in the same run
// depends on.
func ResolveSpecifiers(lab *model.Lab, specifiers []string) ([]model.JobId, error) {
	var runIDs []model.RunId
	var jobIDs []model.JobId

	for _, spec := range specifiers {
		switch {
		case strings.HasPrefix(spec, "@"):
			name := strings.TrimPrefix(spec, "@")
			if name == "" {
				return nil, &repxerr.EmptyGroupName{}
			}
			runs, ok := lab.Groups[name]
			if !ok {
				available := make([]string, 0, len(lab.Groups))
				for g := range lab.Groups {
					available = append(available, g)
				}
				sort.Strings(available)
				return nil, &repxerr.UnknownGroup{Name: name, Available: available}
			}
			runIDs = append(runIDs, runs...)

		default:
			if _, ok := lab.Runs[model.RunId(spec)]; ok {
				runIDs = append(runIDs, model.RunId(spec))
				continue
			}

			var matches []model.JobId
			for id := range lab.Jobs {
				if strings.HasPrefix(id.String(), spec) {
					matches = append(matches, id)
				}
			}
			switch len(matches) {
			case 0:
				return nil, &repxerr.TargetNotFound{Input: spec}
			case 1:
				jobIDs = append(jobIDs, matches[0])
			default:
				strs := make([]string, len(matches))
				for i, m := range matches {
					strs[i] = m.String()
				}
				sort.Strings(strs)
				return nil, &repxerr.AmbiguousJobId{Input: spec, Matches: strs}
			}
		}
	}

	for _, runID := range runIDs {
		finals, err := finalJobsOf(lab, runID)
		if err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, finals...)
	}

	seen := make(map[model.JobId]struct{})
	var out []model.JobId
	for _, id := range jobIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// finalJobsOf returns a run's jobs that no other job in the same run
// depends on. A run whose final jobs number more than one is ambiguous -
// the caller must name a more precise job id.
func finalJobsOf(lab *model.Lab, runID model.RunId) ([]model.JobId, error) {
	run, ok := lab.Runs[runID]
	if !ok {
		return nil, &repxerr.TargetNotFound{Input: runID.String()}
	}

	dependedOn := make(map[model.JobId]struct{})
	for _, id := range run.Jobs {
		job, ok := lab.Jobs[id]
		if !ok {
			continue
		}
		for _, dep := range job.AllDependencies() {
			dependedOn[dep] = struct{}{}
		}
	}

	var finals []model.JobId
	for _, id := range run.Jobs {
		if _, ok := dependedOn[id]; !ok {
			finals = append(finals, id)
		}
	}
	sort.Slice(finals, func(i, j int) bool { return finals[i] < finals[j] })

	if len(finals) > 1 {
		strs := make([]string, len(finals))
		for i, f := range finals {
			strs[i] = f.String()
		}
		return nil, &repxerr.AmbiguousRun{Run: runID.String(), Matches: strs}
	}
	return finals, nil
}

// BuildClosure returns the full, de-duplicated, dependency-ordered set of
// jobs reachable from finalJobs, as a map keyed for the scheduler drivers
// plus the ordered job id list the caller can log/display.
func BuildClosure(lab *model.Lab, finalJobs []model.JobId) (map[model.JobId]model.Job, []model.JobId) {
	seen := make(map[model.JobId]struct{})
	var order []model.JobId
	for _, final := range finalJobs {
		for _, id := range lab.BuildDependencyClosure(final) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			order = append(order, id)
		}
	}

	jobs := make(map[model.JobId]model.Job, len(order))
	for _, id := range order {
		if job, ok := lab.Jobs[id]; ok {
			jobs[id] = job
		}
	}
	return jobs, order
}

// ProjectID computes a stable per-lab-directory identifier:
// SHA256(git-origin-url) _ SHA256(absolute-lab-path), falling back to
// "no_remote"/"no_git" sentinels when git information isn't available.
func ProjectID(localLabPath string) string {
	absPath, err := filepath.Abs(localLabPath)
	if err != nil {
		absPath = localLabPath
	}
	pathHash := sha256.Sum256([]byte(absPath))

	origin := gitOriginURL(absPath)
	var originPart string
	if origin == "" {
		originPart = "no_git"
	} else if origin == "no-remote" {
		originPart = "no_remote"
	} else {
		h := sha256.Sum256([]byte(origin))
		originPart = hex.EncodeToString(h[:])
	}

	return originPart + "_" + hex.EncodeToString(pathHash[:])
}

// gitOriginURL shells out to `git` to read the origin remote URL from
// localLabPath's containing repo. Returns "" if there's no git repo at
// all, or "no-remote" if there's a repo but no "origin" remote.
func gitOriginURL(localLabPath string) string {
	if _, err := exec.LookPath("git"); err != nil {
		return ""
	}
	rootCmd := exec.Command("git", "-C", localLabPath, "rev-parse", "--show-toplevel")
	if err := rootCmd.Run(); err != nil {
		return ""
	}
	out, err := exec.Command("git", "-C", localLabPath, "remote", "get-url", "origin").Output()
	if err != nil {
		return "no-remote"
	}
	return strings.TrimSpace(string(out))
}

// DeployAndSync deploys this binary to tgt, syncs the lab root, and
// registers a rotating auto-GC root for it.
func DeployAndSync(tgt target.Target, localLabPath string, labHash string) (repxBinaryPath string, err error) {
	repxBinaryPath, err = tgt.DeployRepxBinary()
	if err != nil {
		return "", fmt.Errorf("deploying repx binary to target '%s': %w", tgt.Name(), err)
	}

	if err := tgt.SyncLabRoot(localLabPath); err != nil {
		return "", fmt.Errorf("syncing lab root to target '%s': %w", tgt.Name(), err)
	}

	projectID := ProjectID(localLabPath)
	if err := tgt.RegisterGcRoot(projectID, labHash); err != nil {
		common.GetLogger().Warn().Err(err).Str("target", tgt.Name()).Msg("failed to register GC root; garbage collection may reclaim this lab's artifacts prematurely")
	}

	return repxBinaryPath, nil
}

// DetermineFoundStatuses scans tgt for outcome markers of every job in
// jobs, building the map the status engine needs to seed "already ran"
// state. Both LocalTarget and SSHTarget accept
// "sh"/"-c"/<script> through RunCommand, so one shell probe works
// uniformly regardless of which target this is.
func DetermineFoundStatuses(tgt target.Target, jobs map[model.JobId]model.Job) map[model.JobId]status.JobStatus {
	found := make(map[model.JobId]status.JobStatus, len(jobs))

	for jobID := range jobs {
		repxDir := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx)
		script := fmt.Sprintf(
			`if [ -f %s ]; then echo SUCCESS; elif [ -f %s ]; then echo FAIL; else echo NONE; fi`,
			shellQuote(filepath.Join(repxDir, common.MarkerSuccess)),
			shellQuote(filepath.Join(repxDir, common.MarkerFail)),
		)
		out, err := tgt.RunCommand("sh", []string{"-c", script})
		if err != nil {
			continue
		}
		switch strings.TrimSpace(out) {
		case "SUCCESS":
			found[jobID] = status.JobStatus{Kind: status.Succeeded, Location: tgt.Name()}
		case "FAIL":
			found[jobID] = status.JobStatus{Kind: status.Failed, Location: tgt.Name()}
		}
	}

	return found
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FilterSucceeded drops jobs already Succeeded, returning the surviving
// work set.
func FilterSucceeded(lab *model.Lab, jobs map[model.JobId]model.Job, foundStatuses map[model.JobId]status.JobStatus) map[model.JobId]model.Job {
	allStatuses := status.DetermineJobStatuses(lab, foundStatuses)

	surviving := make(map[model.JobId]model.Job, len(jobs))
	for id, job := range jobs {
		if s, ok := allStatuses[id]; ok && s.IsSucceeded() {
			continue
		}
		surviving[id] = job
	}
	return surviving
}

// SyncImages collects every image referenced by a run that owns a
// surviving job and incrementally syncs each onto tgt.
func SyncImages(lab *model.Lab, jobs map[model.JobId]model.Job, tgt target.Target, localLabPath string, opts Options) error {
	images := make(map[string]string) // tag -> local image path

	for runID, run := range lab.Runs {
		if run.Image == nil {
			continue
		}
		touchesSurviving := false
		for _, id := range run.Jobs {
			if _, ok := jobs[id]; ok {
				touchesSurviving = true
				break
			}
		}
		if !touchesSurviving {
			continue
		}

		base := filepath.Base(*run.Image)
		tag := strings.TrimSuffix(base, filepath.Ext(base))
		localImagePath := filepath.Join(localLabPath, *run.Image)
		if _, already := images[tag]; !already {
			images[tag] = localImagePath
		}
		_ = runID
	}

	tags := make([]string, 0, len(images))
	for tag := range images {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	localCacheRoot := filepath.Join(common.CacheDir(), "image-sync")

	for _, tag := range tags {
		localImagePath := images[tag]
		if err := tgt.SyncImageIncrementally(localImagePath, tag, localCacheRoot); err != nil {
			return fmt.Errorf("syncing image '%s' to target '%s': %w", tag, tgt.Name(), err)
		}
	}

	return nil
}

// GenerateInputs writes every surviving job's inputs.json onto tgt.
func GenerateInputs(lab *model.Lab, localLabPath string, jobs map[model.JobId]model.Job, tgt target.Target) error {
	for id, job := range jobs {
		entrypoint := "main"
		if job.StageType == model.StageScatterGather {
			entrypoint = "scatter"
		}
		if err := inputs.GenerateAndWriteInputsJSON(lab, localLabPath, job, id, tgt, entrypoint); err != nil {
			return fmt.Errorf("generating inputs.json for job '%s': %w", id, err)
		}
	}
	return nil
}

// Submit runs the full pipeline: resolve specifiers, deploy+sync,
// filter, sync images, generate inputs, and dispatch to the chosen
// scheduler driver.
func Submit(ctx context.Context, lab *model.Lab, specifiers []string, tgt target.Target, opts Options) (string, error) {
	finals, err := ResolveSpecifiers(lab, specifiers)
	if err != nil {
		return "", err
	}
	if len(finals) == 0 {
		return "", fmt.Errorf("no jobs resolved from specifiers %v", specifiers)
	}

	jobs, order := BuildClosure(lab, finals)
	if remainder := lab.DetectCycle(order); remainder != nil {
		return "", &repxerr.CycleDetected{Remainder: stringifyJobIDs(remainder)}
	}

	repxBinaryPath, err := DeployAndSync(tgt, opts.LocalLabPath, lab.ContentHash)
	if err != nil {
		return "", err
	}

	foundStatuses := DetermineFoundStatuses(tgt, jobs)
	surviving := FilterSucceeded(lab, jobs, foundStatuses)
	if len(surviving) == 0 {
		return "all jobs already succeeded; nothing to do", nil
	}

	if err := SyncImages(lab, surviving, tgt, opts.LocalLabPath, opts); err != nil {
		return "", err
	}

	if err := GenerateInputs(lab, opts.LocalLabPath, surviving, tgt); err != nil {
		return "", err
	}

	switch opts.SchedulerKind {
	case model.SchedulerSlurm:
		summary, slurmIDs, err := batchsched.Submit(ctx, lab, surviving, tgt, repxBinaryPath, batchsched.SubmitOptions{
			ExecutionType: opts.ExecutionType,
			Resources:     opts.Resources,
		})
		if persistErr := persistSlurmIDs(tgt, slurmIDs); persistErr != nil {
			common.GetLogger().Warn().Err(persistErr).Msg("failed to persist slurm job ids; a later 'repx cancel' may not find them")
		}
		return summary, err

	default:
		return localsched.Submit(ctx, lab, surviving, tgt, repxBinaryPath, foundStatuses, localsched.SubmitOptions{
			NumJobs:           opts.NumJobs,
			ContinueOnFailure: opts.ContinueOnFailure,
			ExecutionType:     opts.ExecutionType,
			Resources:         opts.Resources,
		})
	}
}

// persistSlurmIDs writes each submitted job's assigned SLURM job id to
// <base>/outputs/<jid>/repx/slurm_id, so a `repx cancel` invocation in a
// later process can look it up via ReadSlurmID.
func persistSlurmIDs(tgt target.Target, slurmIDs map[model.JobId]uint32) error {
	var firstErr error
	for jobID, slurmID := range slurmIDs {
		path := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx, common.SlurmIDFile)
		if err := tgt.WriteRemoteFile(path, fmt.Sprintf("%d", slurmID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadSlurmID looks up jobID's persisted SLURM job id on tgt, as written
// by persistSlurmIDs during a prior batch submission. Returns ok=false if
// no id was ever recorded (the job never ran under the batch scheduler,
// or hasn't been submitted yet).
func ReadSlurmID(tgt target.Target, jobID model.JobId) (id uint32, ok bool) {
	path := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx, common.SlurmIDFile)
	content, err := tgt.ReadRemoteFile(path)
	if err != nil {
		return 0, false
	}
	var parsed uint64
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(content), "%d", &parsed); scanErr != nil {
		return 0, false
	}
	return uint32(parsed), true
}

func stringifyJobIDs(ids []model.JobId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
