package main

import (
	"flag"
	"fmt"

	"github.com/repx-org/repx/internal/lab"
	batchsched "github.com/repx-org/repx/internal/scheduler/batch"
	"github.com/repx-org/repx/internal/submission"
)

// cmdCancel implements `repx cancel`: resolves the given specifiers to
// jobs the same way `run` does, and for each one with a recorded SLURM
// job id, cancels it (and any scatter-gather worker jobs it spawned) on
// the target.
func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configFiles := configPathsFlag(fs)
	labPath := fs.String("lab", "", "path to the lab directory")
	targetName := fs.String("target", "", "execution target name (default: local)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	specifiers := fs.Args()
	if len(specifiers) == 0 {
		return fmt.Errorf("cancel: at least one run, group (@name), or job id specifier is required")
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

	finals, err := submission.ResolveSpecifiers(loadedLab, specifiers)
	if err != nil {
		return err
	}
	jobs, _ := submission.BuildClosure(loadedLab, finals)

	cancelled := 0
	for jobID := range jobs {
		slurmID, ok := submission.ReadSlurmID(tgt, jobID)
		if !ok {
			continue
		}
		if err := batchsched.Cancel(tgt, jobID, slurmID); err != nil {
			logger.Warn().Err(err).Str("job_id", jobID.ShortId()).Msg("failed to cancel job")
			continue
		}
		cancelled++
	}

	fmt.Printf("cancelled %d job(s)\n", cancelled)
	return nil
}
