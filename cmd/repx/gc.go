package main

import (
	"flag"
	"fmt"

	"github.com/repx-org/repx/internal/gcengine"
	"github.com/repx-org/repx/internal/lab"
)

// cmdGc implements `repx gc`: triggers mark-and-sweep collection on the
// chosen target, which (for both local and SSH targets) deploys the
// orchestrator binary and re-enters it as `internal-gc` so the sweep
// always runs against the target's own filesystem.
func cmdGc(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	configFiles := configPathsFlag(fs)
	labPath := fs.String("lab", "", "path to the lab directory (used only to locate host-tools)")
	targetName := fs.String("target", "", "execution target name (default: local)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFiles)
	if err != nil {
		return err
	}

	hostToolsPath, hostToolsDirName := "", ""
	resolvedLabPath := *labPath
	if resolvedLabPath == "" {
		resolvedLabPath = cfg.Lab.DefaultPath
	}
	if loadedLab, err := lab.LoadFromPath(resolvedLabPath); err == nil {
		hostToolsPath, hostToolsDirName = loadedLab.HostToolsPath, loadedLab.HostToolsDirName
	}

	tgt, err := buildTarget(cfg, *targetName, hostToolsPath, hostToolsDirName)
	if err != nil {
		return err
	}

	summary, err := tgt.GarbageCollect()
	if err != nil {
		return err
	}

	fmt.Println(summary)
	return nil
}

// cmdInternalGc implements `repx internal-gc --base-path path`: the
// re-entrant child command a target's GarbageCollect() spawns, which
// performs the actual mark-and-sweep against basePath in-process.
func cmdInternalGc(args []string) error {
	fs := flag.NewFlagSet("internal-gc", flag.ExitOnError)
	configFiles := configPathsFlag(fs)
	basePath := fs.String("base-path", "", "target base path to collect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := loadConfig(*configFiles); err != nil {
		return err
	}
	if *basePath == "" {
		return fmt.Errorf("internal-gc: --base-path is required")
	}

	summary, err := gcengine.Collect(*basePath)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}
