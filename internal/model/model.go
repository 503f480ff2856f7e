// Package model defines the in-memory representation of a lab: the
// content-addressed, declarative DAG of jobs that the rest of repx drives
// to completion. Types here are intentionally load-bearing and immutable
// once a Lab is assembled by internal/lab.
package model

import (
	"fmt"
	"sort"
)

// StageType distinguishes the four kinds of job body a Job can have.
type StageType string

const (
	StageSimple        StageType = "simple"
	StageScatterGather StageType = "scatter-gather"
	StageWorker        StageType = "worker"
	StageGather        StageType = "gather"
)

// ParseStageType parses a stage type string, defaulting to StageSimple for
// the empty string the way the lab's own JSON schema defaults an omitted
// stage_type field.
func ParseStageType(s string) (StageType, error) {
	switch StageType(s) {
	case "":
		return StageSimple, nil
	case StageSimple, StageScatterGather, StageWorker, StageGather:
		return StageType(s), nil
	default:
		return "", fmt.Errorf("invalid stage type: %q; valid values are simple, scatter-gather, worker, gather", s)
	}
}

// SchedulerType selects which driver (the local scheduler or the SLURM
// batch driver) dispatches a submission's work set.
type SchedulerType string

const (
	SchedulerLocal SchedulerType = "local"
	SchedulerSlurm SchedulerType = "slurm"
)

// JobId is an opaque, content-addressed, hash-prefixed identifier.
// Equality and ordering are lexical on the underlying string.
type JobId string

// ShortId returns a prefix-preserving abbreviated form: if the id contains
// a '-' and the segment before the first one is at least 7 runes long, the
// hash segment is truncated to 7 characters; otherwise the id is returned
// unchanged. Equal JobIds always produce equal short ids.
func (j JobId) ShortId() string {
	s := string(j)
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			hash := s[:i]
			rest := s[i+1:]
			if len(hash) >= 7 {
				return hash[:7] + "-" + rest
			}
			return s
		}
	}
	return s
}

func (j JobId) String() string { return string(j) }

// RunId is a human-readable run name. "missing" and "pending" are reserved
// and must be rejected by ParseRunId.
type RunId string

func ParseRunId(s string) (RunId, error) {
	switch s {
	case "missing", "pending":
		return "", fmt.Errorf("invalid run ID %q: this is a reserved keyword", s)
	default:
		return RunId(s), nil
	}
}

func (r RunId) String() string { return string(r) }

// ResourceHints is a partial directive set attached to a Job or Executable
// in the lab, and to a ResourceRule's worker_resources override. Nil fields
// are "not specified" and participate in the merge-by-presence rules of
// the resource resolver (internal/resources).
type ResourceHints struct {
	Mem       *string  `json:"mem,omitempty"`
	Cpus      *uint32  `json:"cpus,omitempty"`
	Time      *string  `json:"time,omitempty"`
	Partition *string  `json:"partition,omitempty"`
	ExtraOpts []string `json:"extra_opts,omitempty"`
}

// InputMapping describes how one value reaches an executable under
// TargetInput. Exactly one source discriminator is expected to be set;
// which one is meaningful depends on the consuming component (submission
// engine for JobID/SourceRun/global, scatter-gather orchestrator for
// Source).
type InputMapping struct {
	JobID        *JobId  `json:"job_id,omitempty"`
	SourceOutput *string `json:"source_output,omitempty"`
	TargetInput  string  `json:"target_input"`

	// Source holds "scatter:work_item" or "step:<name>", resolved only by
	// the scatter-gather orchestrator.
	Source *string `json:"source,omitempty"`

	// MappingType holds "global" for target-base-path injection.
	MappingType *string `json:"type,omitempty"`

	SourceRun *RunId `json:"source_run,omitempty"`
}

// IsGlobal reports whether this mapping injects the target's base path.
func (m InputMapping) IsGlobal() bool {
	return (m.MappingType != nil && *m.MappingType == "global") || m.TargetInput == "store__base"
}

// Executable is one runnable unit inside a Job: a script plus its declared
// inputs, output templates, and resource hints.
type Executable struct {
	// Path is relative to the lab root.
	Path string `json:"path"`

	Inputs []InputMapping `json:"inputs,omitempty"`

	// Outputs maps an output name to a string template that must begin
	// with "$out/", enforced at lab-load time.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Deps names other step-<name> executables this one depends on
	// (ScatterGather stages only).
	Deps []string `json:"deps,omitempty"`

	ResourceHints *ResourceHints `json:"resource_hints,omitempty"`
}

// Job is a node in the lab's DAG.
type Job struct {
	Name          string                `json:"name,omitempty"`
	Params        any                   `json:"params,omitempty"`
	StageType     StageType             `json:"stage_type,omitempty"`
	Executables   map[string]Executable `json:"executables,omitempty"`
	ResourceHints *ResourceHints        `json:"resource_hints,omitempty"`

	// PathInLab records the directory this job's metadata was loaded
	// from; not serialized, populated by the loader.
	PathInLab string `json:"-"`
}

// AllDependencies returns the de-duplicated set of JobIds this job depends
// on, across every one of its executables' input mappings. This is the
// edge set the DAG, the resolver, and the status engine all walk.
func (j Job) AllDependencies() []JobId {
	seen := make(map[JobId]struct{})
	for _, exe := range j.Executables {
		for _, in := range exe.Inputs {
			if in.JobID != nil {
				seen[*in.JobID] = struct{}{}
			}
		}
	}
	out := make([]JobId, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

// StepExecutables returns the job's "step-<name>" executables (ScatterGather
// stages only), keyed by step name (without the "step-" prefix).
func (j Job) StepExecutables() map[string]Executable {
	out := make(map[string]Executable)
	const prefix = "step-"
	for k, v := range j.Executables {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out
}

// Run is a named subset of jobs within a lab.
type Run struct {
	Image *string `json:"image,omitempty"`
	Jobs  []JobId `json:"jobs"`

	// Dependencies maps another RunId this run depends on to a dependency
	// kind such as "afterok", as read from the run's metadata. The batch
	// driver chains afterok relations between jobs only and does not read
	// this field.
	Dependencies map[RunId]string `json:"dependencies,omitempty"`
}

// Lab is the immutable, in-memory representation of a loaded lab.
type Lab struct {
	ContentHash string

	RepxVersion string
	LabVersion  string
	GitHash     string

	Runs   map[RunId]Run
	Jobs   map[JobId]Job
	Groups map[string][]RunId

	// ReferencedFiles lists every file (relative to the lab root) the lab
	// depends on; used for GC liveness.
	ReferencedFiles []string

	HostToolsPath    string
	HostToolsDirName string
}

// IsNative reports whether every run in the lab has no image, meaning the
// lab can run entirely under the native execution backend.
func (l *Lab) IsNative() bool {
	for _, r := range l.Runs {
		if r.Image != nil {
			return false
		}
	}
	return true
}
