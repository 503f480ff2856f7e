// Package resources resolves the effective resource directives (memory,
// CPU count, wall time, partition, extra scheduler options) for a job, by
// merging config defaults, the lab's own resource hints, and file-ordered
// matching rules. The same three-tier merge underlies both the SLURM
// sbatch directive set and the local scheduler's RAM/CPU admission check.
package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/repx-org/repx/internal/model"
)

// DefaultJobMemBytes and DefaultJobCpus are the floor values applied when
// neither config defaults, lab hints, nor rules specify a figure.
const (
	DefaultJobMemBytes uint64 = 1024 * 1024 * 1024
	DefaultJobCpus     uint32 = 1
)

// Directives is the fully merged, concrete resource directive set for one
// job on one target: what the SLURM driver renders into sbatch flags, and
// what the local scheduler's admission check reserves against.
type Directives struct {
	Partition   *string
	CpusPerTask *uint32
	Mem         *string
	Time        *string
	ExtraOpts   []string
}

// ToArgs renders the directive set as sbatch command-line arguments, in
// the fixed order partition, cpus-per-task, mem, time, then any extra
// opts verbatim.
func (d Directives) ToArgs() []string {
	var opts []string
	if d.Partition != nil {
		opts = append(opts, "--partition="+*d.Partition)
	}
	if d.CpusPerTask != nil {
		opts = append(opts, fmt.Sprintf("--cpus-per-task=%d", *d.CpusPerTask))
	}
	if d.Mem != nil {
		opts = append(opts, "--mem="+*d.Mem)
	}
	if d.Time != nil {
		opts = append(opts, "--time="+*d.Time)
	}
	opts = append(opts, d.ExtraOpts...)
	return opts
}

// Rule is one entry in a resources.toml rules file. A nil Target or
// JobIDGlob matches everything for that dimension.
type Rule struct {
	Target      *string  `toml:"target,omitempty"`
	JobIDGlob   *string  `toml:"job_id_glob,omitempty"`
	Partition   *string  `toml:"partition,omitempty"`
	CpusPerTask *uint32  `toml:"cpus_per_task,omitempty"`
	Mem         *string  `toml:"mem,omitempty"`
	Time        *string  `toml:"time,omitempty"`
	ExtraOpts   []string `toml:"extra_opts,omitempty"`

	// WorkerResources, when set, overrides the directive set inherited by
	// a scatter-gather job's worker steps instead of the orchestrator step
	// itself.
	WorkerResources *Rule `toml:"worker_resources,omitempty"`
}

// asHints adapts a Rule's own directive fields to a model.ResourceHints so
// mergeHints can be reused for both config-default and rule merging.
func (r Rule) asHints() model.ResourceHints {
	return model.ResourceHints{
		Partition: r.Partition,
		Cpus:      r.CpusPerTask,
		Mem:       r.Mem,
		Time:      r.Time,
		ExtraOpts: r.ExtraOpts,
	}
}

// Defaults is the [defaults] table of a resources.toml file.
type Defaults struct {
	Partition   *string  `toml:"partition,omitempty"`
	CpusPerTask *uint32  `toml:"cpus_per_task,omitempty"`
	Mem         *string  `toml:"mem,omitempty"`
	Time        *string  `toml:"time,omitempty"`
	ExtraOpts   []string `toml:"extra_opts,omitempty"`
}

// Resources is the fully parsed resources.toml: a defaults table plus an
// ordered list of matching rules, consulted in file order so a later rule
// overrides an earlier one when both match.
type Resources struct {
	Defaults Defaults `toml:"defaults"`
	Rules    []Rule   `toml:"rules"`
}

func mergeHints(current *Directives, hints model.ResourceHints) {
	if hints.Partition != nil {
		current.Partition = hints.Partition
	}
	if hints.Cpus != nil {
		current.CpusPerTask = hints.Cpus
	}
	if hints.Mem != nil {
		current.Mem = hints.Mem
	}
	if hints.Time != nil {
		current.Time = hints.Time
	}
	if len(hints.ExtraOpts) > 0 {
		current.ExtraOpts = hints.ExtraOpts
	}
}

func mergeRule(current *Directives, rule Rule) {
	mergeHints(current, rule.asHints())
}

// ResolveForJob computes the merged directive set for jobID on
// targetName: config defaults, then the job's own resource hints (from
// its lab metadata), then every matching rule in file order.
func ResolveForJob(jobID model.JobId, targetName string, res *Resources, hints *model.ResourceHints) Directives {
	var current Directives
	if res != nil {
		current = Directives{
			Partition:   res.Defaults.Partition,
			CpusPerTask: res.Defaults.CpusPerTask,
			Mem:         res.Defaults.Mem,
			Time:        res.Defaults.Time,
			ExtraOpts:   res.Defaults.ExtraOpts,
		}
	}

	if hints != nil {
		mergeHints(&current, *hints)
	}

	if res != nil {
		for _, rule := range res.Rules {
			if ruleMatches(rule, targetName, jobID) {
				mergeRule(&current, rule)
			}
		}
	}

	return current
}

// ResolveWorkerResources computes the directive set a scatter-gather
// job's per-item worker steps run under: the orchestrator job's own
// resolved directives, with the last matching rule's worker_resources
// override (if any) merged on top. Absent an override, workers inherit
// the orchestrator's directives unchanged.
func ResolveWorkerResources(orchestratorJobID model.JobId, targetName string, res *Resources, orchestratorHints, workerHints *model.ResourceHints) Directives {
	worker := ResolveForJob(orchestratorJobID, targetName, res, orchestratorHints)

	if workerHints != nil {
		mergeHints(&worker, *workerHints)
	}

	if res != nil {
		for i := len(res.Rules) - 1; i >= 0; i-- {
			rule := res.Rules[i]
			if !ruleMatches(rule, targetName, orchestratorJobID) {
				continue
			}
			if rule.WorkerResources != nil {
				mergeRule(&worker, *rule.WorkerResources)
			}
			break
		}
	}

	return worker
}

func ruleMatches(rule Rule, targetName string, jobID model.JobId) bool {
	if rule.Target != nil && *rule.Target != targetName {
		return false
	}
	if rule.JobIDGlob != nil {
		matched, err := filepath.Match(*rule.JobIDGlob, string(jobID))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// ParseMemToBytes parses a memory size string such as "512M", "4G", "1T",
// or a bare byte count, using binary (1024-based) suffix semantics.
// Matching is case-insensitive; an unparseable suffix or numeric body
// returns an error.
func ParseMemToBytes(memStr string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(memStr))
	if s == "" {
		return 0, fmt.Errorf("empty memory string")
	}

	var multiplier uint64 = 1
	numPart := s
	switch {
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		numPart = strings.TrimSuffix(s, "T")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numPart = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numPart = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numPart = strings.TrimSuffix(s, "K")
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory string %q: %w", memStr, err)
	}
	return n * multiplier, nil
}

// JobMemBytes returns the effective memory budget for job on targetName,
// falling back to DefaultJobMemBytes when no directive resolves to a
// parseable value.
func JobMemBytes(job model.Job, targetName string, res *Resources) uint64 {
	directives := ResolveForJob("", targetName, res, job.ResourceHints)
	if directives.Mem == nil {
		return DefaultJobMemBytes
	}
	bytes, err := ParseMemToBytes(*directives.Mem)
	if err != nil {
		return DefaultJobMemBytes
	}
	return bytes
}

// JobCpus returns the effective CPU count for job on targetName, falling
// back to DefaultJobCpus when unspecified.
func JobCpus(job model.Job, targetName string, res *Resources) uint32 {
	directives := ResolveForJob("", targetName, res, job.ResourceHints)
	if directives.CpusPerTask == nil {
		return DefaultJobCpus
	}
	return *directives.CpusPerTask
}

// LoadFromFiles reads defaultsFile (if non-empty) as a Resources'
// [defaults] table and then each rulesFile in order, appending its rules
// to the result - later files' rules are consulted after earlier ones'
// and so win ties at equal priority, matching repx.toml's
// resources.rules_files file-order semantics.
func LoadFromFiles(defaultsFile string, rulesFiles []string) (*Resources, error) {
	res := &Resources{}

	if defaultsFile != "" {
		data, err := os.ReadFile(defaultsFile)
		if err != nil {
			return nil, fmt.Errorf("reading resource defaults file %s: %w", defaultsFile, err)
		}
		var withDefaults struct {
			Defaults Defaults `toml:"defaults"`
		}
		if err := toml.Unmarshal(data, &withDefaults); err != nil {
			return nil, fmt.Errorf("parsing resource defaults file %s: %w", defaultsFile, err)
		}
		res.Defaults = withDefaults.Defaults
	}

	for _, path := range rulesFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading resource rules file %s: %w", path, err)
		}
		var withRules struct {
			Rules []Rule `toml:"rules"`
		}
		if err := toml.Unmarshal(data, &withRules); err != nil {
			return nil, fmt.Errorf("parsing resource rules file %s: %w", path, err)
		}
		res.Rules = append(res.Rules, withRules.Rules...)
	}

	return res, nil
}
