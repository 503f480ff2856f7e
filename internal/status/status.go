// Package status resolves the observed-marker statuses the execution
// backends leave on disk (SUCCESS/FAIL/RUNNING/QUEUED files) into the
// full per-job and per-run status the inspection commands report. A job
// with no marker at all is Pending if every dependency succeeded, or
// Blocked on whichever ones didn't.
package status

import (
	"github.com/repx-org/repx/internal/model"
)

// Kind discriminates a JobStatus's variant.
type Kind string

const (
	Succeeded Kind = "succeeded"
	Failed    Kind = "failed"
	Pending   Kind = "pending"
	Queued    Kind = "queued"
	Running   Kind = "running"
	Blocked   Kind = "blocked"
)

// JobStatus is a job's resolved status: a Kind tag plus the payload that
// tag carries (an artifact location for Succeeded/Failed, the set of
// unmet dependencies for Blocked).
type JobStatus struct {
	Kind        Kind
	Location    string
	MissingDeps map[model.JobId]struct{}
}

func (s JobStatus) IsSucceeded() bool { return s.Kind == Succeeded }

// DetermineJobStatuses resolves every job in lab, given the statuses
// directly observed from on-disk markers (foundStatuses; typically
// Succeeded/Failed/Running/Queued only - jobs absent from this map are
// derived as Pending or Blocked from their dependencies).
func DetermineJobStatuses(lab *model.Lab, foundStatuses map[model.JobId]JobStatus) map[model.JobId]JobStatus {
	cache := make(map[model.JobId]JobStatus, len(lab.Jobs))
	for id, s := range foundStatuses {
		cache[id] = s
	}

	for jobID := range lab.Jobs {
		resolveJobStatus(jobID, lab, cache)
	}

	return cache
}

// resolveJobStatus returns job's status, memoizing into cache and
// recursing into dependencies first. Panics if jobID isn't in lab.Jobs,
// matching the loader's invariant that every referenced JobId resolves
// (callers should validate references at lab-load time, not here).
func resolveJobStatus(jobID model.JobId, lab *model.Lab, cache map[model.JobId]JobStatus) JobStatus {
	if s, ok := cache[jobID]; ok {
		return s
	}

	job, ok := lab.Jobs[jobID]
	if !ok {
		panic("status: job ID must exist in lab: " + string(jobID))
	}

	missingDeps := make(map[model.JobId]struct{})
	allDepsSucceeded := true

	for _, depID := range job.AllDependencies() {
		depStatus := resolveJobStatus(depID, lab, cache)
		if !depStatus.IsSucceeded() {
			allDepsSucceeded = false
			missingDeps[depID] = struct{}{}
		}
	}

	var result JobStatus
	if allDepsSucceeded {
		result = JobStatus{Kind: Pending}
	} else {
		result = JobStatus{Kind: Blocked, MissingDeps: missingDeps}
	}

	cache[jobID] = result
	return result
}

// DetermineRunAggregateStatuses rolls every run's member-job statuses up
// into one status per run, applying the fixed priority order Failed >
// Running > Queued > Pending > Blocked > Succeeded. An empty run, or one
// where no case applies, aggregates to Blocked.
func DetermineRunAggregateStatuses(lab *model.Lab, allJobStatuses map[model.JobId]JobStatus) map[model.RunId]JobStatus {
	out := make(map[model.RunId]JobStatus, len(lab.Runs))

	for runID, run := range lab.Runs {
		var hasFailed, hasRunning, hasQueued, hasPending, hasBlocked bool
		succeededCount := 0

		for _, jobID := range run.Jobs {
			s, ok := allJobStatuses[jobID]
			if !ok {
				hasBlocked = true
				continue
			}
			switch s.Kind {
			case Succeeded:
				succeededCount++
			case Failed:
				hasFailed = true
			case Running:
				hasRunning = true
			case Queued:
				hasQueued = true
			case Pending:
				hasPending = true
			case Blocked:
				hasBlocked = true
			}
		}

		var aggregate JobStatus
		switch {
		case hasFailed:
			aggregate = JobStatus{Kind: Failed}
		case hasRunning:
			aggregate = JobStatus{Kind: Running}
		case hasQueued:
			aggregate = JobStatus{Kind: Queued}
		case hasPending:
			aggregate = JobStatus{Kind: Pending}
		case hasBlocked:
			aggregate = JobStatus{Kind: Blocked}
		case succeededCount == len(run.Jobs) && len(run.Jobs) > 0:
			aggregate = JobStatus{Kind: Succeeded}
		default:
			aggregate = JobStatus{Kind: Blocked}
		}

		out[runID] = aggregate
	}

	return out
}
