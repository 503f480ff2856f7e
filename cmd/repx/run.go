package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/repx-org/repx/internal/lab"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/resources"
	"github.com/repx-org/repx/internal/submission"
)

// cmdRun implements `repx run`: resolve the given run/group/job
// specifiers, then sync and dispatch them against a target.
func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFiles := configPathsFlag(fs)
	labPath := fs.String("lab", "", "path to the lab directory (default: config lab.default_path)")
	targetName := fs.String("target", "", "execution target name (default: local)")
	schedulerName := fs.String("scheduler", "", "scheduler: local or slurm (default: config scheduler.default)")
	numJobs := fs.Int("jobs", 0, "max concurrent local jobs (default: num CPUs)")
	continueOnFailure := fs.Bool("continue-on-failure", false, "keep running unaffected jobs after a failure")
	if err := fs.Parse(args); err != nil {
		return err
	}

	specifiers := fs.Args()
	if len(specifiers) == 0 {
		return fmt.Errorf("run: at least one run, group (@name), or job id specifier is required")
	}

	cfg, err := loadConfig(*configFiles)
	if err != nil {
		return err
	}

	resolvedLabPath := *labPath
	if resolvedLabPath == "" {
		resolvedLabPath = cfg.Lab.DefaultPath
	}

	loadedLab, err := lab.LoadFromPath(resolvedLabPath)
	if err != nil {
		return err
	}

	tgt, err := buildTarget(cfg, *targetName, loadedLab.HostToolsPath, loadedLab.HostToolsDirName)
	if err != nil {
		return err
	}

	schedulerKind := model.SchedulerLocal
	name := *schedulerName
	if name == "" {
		name = cfg.Scheduler.Default
	}
	if name == "slurm" {
		schedulerKind = model.SchedulerSlurm
	}

	res, err := resources.LoadFromFiles(derefStr(cfg.Resources.Defaults), cfg.Resources.RulesFiles)
	if err != nil {
		return fmt.Errorf("loading resource rules: %w", err)
	}

	logger.Info().Strs("specifiers", specifiers).Str("target", tgt.Name()).Str("scheduler", string(schedulerKind)).Msg("starting run")

	summary, err := submission.Submit(context.Background(), loadedLab, specifiers, tgt, submission.Options{
		LocalLabPath:      resolvedLabPath,
		SchedulerKind:     schedulerKind,
		NumJobs:           *numJobs,
		ContinueOnFailure: *continueOnFailure,
		Resources:         res,
	})
	if err != nil {
		return err
	}

	fmt.Println(summary)
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
