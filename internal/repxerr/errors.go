// Package repxerr defines repx's typed error taxonomy: configuration/IO
// failures that prevent a lab from loading, and domain failures that arise
// while resolving or running a well-formed lab. Callers use errors.As to
// branch on a specific case; every type's Error() gives a complete,
// actionable message on its own.
package repxerr

import "fmt"

// LabNotFound means no lab could be located at the given path.
type LabNotFound struct {
	Path string
}

func (e *LabNotFound) Error() string {
	return fmt.Sprintf("lab not found at path '%s'; specify a valid lab directory with --lab, or run this command in a directory containing the default lab path ('./result')", e.Path)
}

// MetadataNotFound means the lab directory exists but its manifest/metadata
// files are missing or unreadable.
type MetadataNotFound struct {
	Path string
}

func (e *MetadataNotFound) Error() string {
	return fmt.Sprintf("could not find required lab metadata file(s) in '%s'; expected a 'lab/*-lab-metadata.json' manifest - is this a valid lab directory?", e.Path)
}

// IncompatibleVersion means the lab was produced by a repx version other
// than the one running. Per SPEC_FULL.md this is a warn-and-proceed case
// at load time, not a hard failure: the loader logs a warning, and no
// code path constructs this type.
type IncompatibleVersion struct {
	Expected string
	Found    string
}

func (e *IncompatibleVersion) Error() string {
	return fmt.Sprintf("incompatible lab version: this repx binary expects repx_version '%s', but the lab was generated with version '%s'", e.Expected, e.Found)
}

// IntegrityHashMismatch means a referenced file's on-disk content hash
// disagrees with the hash recorded in the lab's metadata.
type IntegrityHashMismatch struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityHashMismatch) Error() string {
	return fmt.Sprintf("lab integrity check failed: file '%s' has hash '%s', expected '%s'", e.Path, e.Actual, e.Expected)
}

// IntegrityFileMissing means a file the lab's manifest references is
// absent from disk.
type IntegrityFileMissing struct {
	Path string
}

func (e *IntegrityFileMissing) Error() string {
	return fmt.Sprintf("lab integrity check failed: file '%s' is missing", e.Path)
}

// StoreNotConfigured means an operation needs an artifact store but none
// is configured in repx.toml or on the command line.
type StoreNotConfigured struct{}

func (e *StoreNotConfigured) Error() string {
	return "no result store is configured; add one to your config file or use the --store flag"
}

// HostToolsMissing means the lab declares required host tools that are
// not present on PATH, which is fatal at submission time.
type HostToolsMissing struct {
	Tools []string
}

func (e *HostToolsMissing) Error() string {
	return fmt.Sprintf("missing required host tools: %v", e.Tools)
}

// TargetNotFound means a run/job specifier did not match anything in the
// lab.
type TargetNotFound struct {
	Input string
}

func (e *TargetNotFound) Error() string {
	return fmt.Sprintf("input '%s' did not match any known run or job", e.Input)
}

// JobNotFound means a JobId referenced elsewhere (an input mapping, a
// run's job list) has no corresponding entry in the lab.
type JobNotFound struct {
	JobID string
}

func (e *JobNotFound) Error() string {
	return fmt.Sprintf("job '%s' not found in the lab definition", e.JobID)
}

// AmbiguousRun means a run name resolved to more than one final job and
// the caller must disambiguate with a more precise job id.
type AmbiguousRun struct {
	Run     string
	Matches []string
}

func (e *AmbiguousRun) Error() string {
	return fmt.Sprintf("run ID '%s' is ambiguous; it has multiple final jobs: %v - specify a more precise job ID to run", e.Run, e.Matches)
}

// AmbiguousJobId means a short/prefix job id matched more than one job.
type AmbiguousJobId struct {
	Input   string
	Matches []string
}

func (e *AmbiguousJobId) Error() string {
	msg := fmt.Sprintf("ambiguous input '%s'; it matches multiple jobs:", e.Input)
	for _, m := range e.Matches {
		msg += "\n  - " + m
	}
	return msg
}

// InvalidOutputPath means an executable's output template does not begin
// with "$out/".
type InvalidOutputPath struct {
	JobID      string
	OutputName string
	Path       string
}

func (e *InvalidOutputPath) Error() string {
	return fmt.Sprintf("invalid output path for job '%s': output '%s' path '%s' must start with '$out/'", e.JobID, e.OutputName, e.Path)
}

// ExecutableNotFound means a job's bin directory did not contain exactly
// one file where one was expected.
type ExecutableNotFound struct {
	JobID string
}

func (e *ExecutableNotFound) Error() string {
	return fmt.Sprintf("could not find executable for job '%s': expected exactly one file in the job's 'bin' directory", e.JobID)
}

// NativeLabContainerExecution means container execution was requested
// against a lab that declares no images.
type NativeLabContainerExecution struct{}

func (e *NativeLabContainerExecution) Error() string {
	return "the lab is native-only (contains no container images) but container execution was requested; run with the --native flag"
}

// InvalidTarget means a --target value didn't parse as "local" or
// "ssh:user@host".
type InvalidTarget struct {
	Value string
}

func (e *InvalidTarget) Error() string {
	return fmt.Sprintf("invalid execution target format: %s; expected 'local' or 'ssh:user@host'", e.Value)
}

// UnknownGroup means a "@group" specifier didn't match a declared group.
type UnknownGroup struct {
	Name      string
	Available []string
}

func (e *UnknownGroup) Error() string {
	return fmt.Sprintf("unknown group '%s'; available groups: %v", e.Name, e.Available)
}

// EmptyGroupName means a bare "@" specifier was given with no name.
type EmptyGroupName struct{}

func (e *EmptyGroupName) Error() string {
	return "empty group name after '@'"
}

// CycleDetected means the lab's job graph, or a scatter-gather job's step
// graph, contains a cycle.
type CycleDetected struct {
	Remainder []string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %v", e.Remainder)
}

// MultipleSinkSteps means a scatter-gather job's step graph has more than
// one step nothing else depends on.
type MultipleSinkSteps struct {
	Sinks []string
}

func (e *MultipleSinkSteps) Error() string {
	return fmt.Sprintf("expected exactly one sink step but found %d: %v", len(e.Sinks), e.Sinks)
}

// NoSinkStep means a scatter-gather job's step graph has no step that
// every other step eventually feeds into.
type NoSinkStep struct{}

func (e *NoSinkStep) Error() string {
	return "no sink step found: every step has a dependent (cycle?)"
}

// ResourceRuleConflict means two resource rules with the same priority
// matched the same job and disagreed, with no file-order tiebreak
// available (e.g. identical pattern appearing twice with different
// hints in a single rules file load).
type ResourceRuleConflict struct {
	JobID string
	Rules []string
}

func (e *ResourceRuleConflict) Error() string {
	return fmt.Sprintf("conflicting resource rules for job '%s': %v", e.JobID, e.Rules)
}

// ToolNotAllowed means an execution backend refused to invoke a binary
// not present on its allowlist.
type ToolNotAllowed struct {
	Tool string
}

func (e *ToolNotAllowed) Error() string {
	return fmt.Sprintf("tool '%s' is not on the execution allowlist", e.Tool)
}

// SchedulerSubmissionFailed wraps a batch scheduler's rejection of a
// submitted job (e.g. sbatch exiting nonzero).
type SchedulerSubmissionFailed struct {
	JobID  string
	Reason string
}

func (e *SchedulerSubmissionFailed) Error() string {
	return fmt.Sprintf("scheduler rejected submission for job '%s': %s", e.JobID, e.Reason)
}
