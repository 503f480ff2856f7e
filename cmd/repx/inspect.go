package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/lab"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/resources"
	"github.com/repx-org/repx/internal/status"
	"github.com/repx-org/repx/internal/submission"
)

// loadLabForInspection is the shared "-config/-lab" preamble every
// read-only inspection subcommand starts with.
func loadLabForInspection(fs *flag.FlagSet, args []string) (*model.Lab, string, error) {
	configFiles := configPathsFlag(fs)
	labPath := fs.String("lab", "", "path to the lab directory")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg, err := loadConfig(*configFiles)
	if err != nil {
		return nil, "", err
	}

	resolvedLabPath := *labPath
	if resolvedLabPath == "" {
		resolvedLabPath = cfg.Lab.DefaultPath
	}

	loadedLab, err := lab.LoadFromPath(resolvedLabPath)
	if err != nil {
		return nil, "", err
	}
	return loadedLab, resolvedLabPath, nil
}

// cmdList implements `repx list`: enumerates every run and job in the lab
// with its resolved status.
func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	loadedLab, _, err := loadLabForInspection(fs, args)
	if err != nil {
		return err
	}

	allJobStatuses := status.DetermineJobStatuses(loadedLab, nil)
	runStatuses := status.DetermineRunAggregateStatuses(loadedLab, allJobStatuses)

	runIDs := make([]model.RunId, 0, len(loadedLab.Runs))
	for id := range loadedLab.Runs {
		runIDs = append(runIDs, id)
	}
	sort.Slice(runIDs, func(i, j int) bool { return runIDs[i] < runIDs[j] })

	for _, runID := range runIDs {
		run := loadedLab.Runs[runID]
		fmt.Printf("%s  [%s]\n", runID, runStatuses[runID].Kind)
		jobIDs := append([]model.JobId(nil), run.Jobs...)
		sort.Slice(jobIDs, func(i, j int) bool { return jobIDs[i] < jobIDs[j] })
		for _, jobID := range jobIDs {
			fmt.Printf("  %s  %s\n", jobID.ShortId(), allJobStatuses[jobID].Kind)
		}
	}
	return nil
}

// cmdShow implements `repx show <run-or-job>`: renders one job's resolved
// executables, input mappings, output templates, and resource directives.
func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	targetName := fs.String("target", "", "execution target name, used to resolve target-specific resource rules")
	loadedLab, _, err := loadLabForInspection(fs, args)
	if err != nil {
		return err
	}

	specifiers := fs.Args()
	if len(specifiers) != 1 {
		return fmt.Errorf("show: exactly one run or job specifier is required")
	}

	finals, err := submission.ResolveSpecifiers(loadedLab, specifiers)
	if err != nil {
		return err
	}
	if len(finals) != 1 {
		return fmt.Errorf("show: specifier %q resolved to %d jobs; name a single job", specifiers[0], len(finals))
	}
	jobID := finals[0]
	job, ok := loadedLab.Jobs[jobID]
	if !ok {
		return fmt.Errorf("show: job %q not found", jobID)
	}

	res, _ := resources.LoadFromFiles("", nil)
	directives := resources.ResolveForJob(jobID, *targetName, res, job.ResourceHints)

	fmt.Printf("job: %s\n", jobID)
	fmt.Printf("stage_type: %s\n", job.StageType)
	fmt.Printf("resources: %s\n", strings.Join(directives.ToArgs(), " "))

	exeNames := make([]string, 0, len(job.Executables))
	for name := range job.Executables {
		exeNames = append(exeNames, name)
	}
	sort.Strings(exeNames)

	for _, name := range exeNames {
		exe := job.Executables[name]
		fmt.Printf("\nexecutable %q:\n  path: %s\n", name, exe.Path)
		for _, in := range exe.Inputs {
			fmt.Printf("  input %s <- %s\n", in.TargetInput, describeMapping(in))
		}
		outNames := make([]string, 0, len(exe.Outputs))
		for out := range exe.Outputs {
			outNames = append(outNames, out)
		}
		sort.Strings(outNames)
		for _, out := range outNames {
			fmt.Printf("  output %s: %s\n", out, exe.Outputs[out])
		}
	}
	return nil
}

func describeMapping(m model.InputMapping) string {
	switch {
	case m.JobID != nil && m.SourceOutput != nil:
		return fmt.Sprintf("job '%s' output '%s'", *m.JobID, *m.SourceOutput)
	case m.IsGlobal():
		return "target base path"
	case m.SourceRun != nil:
		return fmt.Sprintf("run '%s' metadata", *m.SourceRun)
	case m.Source != nil:
		return *m.Source
	default:
		return "unresolved"
	}
}

// cmdLog implements `repx log [--follow] [--stderr] <job-id>`: tails the
// job's stdout.log (or stderr.log) on the chosen target. With --follow,
// it polls every 500ms until interrupted (SIGINT/SIGTERM).
func cmdLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	targetName := fs.String("target", "", "execution target name (default: local)")
	follow := fs.Bool("follow", false, "keep polling for new output")
	useStderr := fs.Bool("stderr", false, "tail stderr.log instead of stdout.log")
	lines := fs.Int("lines", 50, "number of trailing lines to show")
	loadedLab, _, err := loadLabForInspection(fs, args)
	if err != nil {
		return err
	}

	jobArgs := fs.Args()
	if len(jobArgs) != 1 {
		return fmt.Errorf("log: exactly one job id is required")
	}
	jobID := model.JobId(jobArgs[0])
	if _, ok := loadedLab.Jobs[jobID]; !ok {
		matches := matchJobPrefix(loadedLab, jobArgs[0])
		if len(matches) != 1 {
			return fmt.Errorf("log: job %q not found", jobArgs[0])
		}
		jobID = matches[0]
	}

	tgt, err := buildTarget(config, *targetName, loadedLab.HostToolsPath, loadedLab.HostToolsDirName)
	if err != nil {
		return err
	}

	logName := common.LogStdout
	if *useStderr {
		logName = common.LogStderr
	}
	path := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx, logName)

	printTail := func() error {
		tail, err := tgt.ReadFileTail(path, *lines)
		if err != nil {
			return err
		}
		for _, line := range tail {
			fmt.Println(line)
		}
		return nil
	}

	if !*follow {
		return printTail()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := printTail(); err != nil {
			logger.Warn().Err(err).Msg("failed to read log")
		}
		select {
		case <-sigChan:
			return nil
		case <-ticker.C:
		}
	}
}

// cmdTrace implements `repx trace <job-id>`: prints the job's full
// dependency closure in topological order.
func cmdTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	loadedLab, _, err := loadLabForInspection(fs, args)
	if err != nil {
		return err
	}

	jobArgs := fs.Args()
	if len(jobArgs) != 1 {
		return fmt.Errorf("trace: exactly one job id is required")
	}
	jobID := model.JobId(jobArgs[0])
	if _, ok := loadedLab.Jobs[jobID]; !ok {
		matches := matchJobPrefix(loadedLab, jobArgs[0])
		if len(matches) != 1 {
			return fmt.Errorf("trace: job %q not found", jobArgs[0])
		}
		jobID = matches[0]
	}

	closure := loadedLab.BuildDependencyClosure(jobID)
	allJobStatuses := status.DetermineJobStatuses(loadedLab, nil)
	for _, id := range closure {
		fmt.Printf("%s  %s\n", id, allJobStatuses[id].Kind)
	}
	return nil
}

func matchJobPrefix(lab *model.Lab, prefix string) []model.JobId {
	var matches []model.JobId
	for id := range lab.Jobs {
		if strings.HasPrefix(id.String(), prefix) {
			matches = append(matches, id)
		}
	}
	return matches
}
