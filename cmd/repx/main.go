// Command repx is the orchestrator binary: it drives a lab's job DAG to
// completion (the "run" entrypoint), re-enters itself as a child process
// to actually execute one job (the "internal-*" entrypoints, spawned by
// the schedulers in internal/scheduler), and offers read-only inspection
// of a lab's resolved state.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"

	"github.com/repx-org/repx/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags,
// later ones overriding earlier ones.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	config *common.Config
	logger arbor.ILogger
)

// subcommand is one of repx's top-level verbs. args is everything after
// the subcommand name, including any -config/-c flags, which each
// subcommand registers on its own flag set via configPathsFlag.
type subcommand func(args []string) error

var subcommands = map[string]subcommand{
	"run":                     cmdRun,
	"cancel":                  cmdCancel,
	"gc":                      cmdGc,
	"list":                    cmdList,
	"show":                    cmdShow,
	"log":                     cmdLog,
	"trace":                   cmdTrace,
	"internal-execute":        cmdInternalExecute,
	"internal-scatter-gather": cmdInternalScatterGather,
	"internal-gc":             cmdInternalGc,
}

func main() {
	defer common.RecoverWithCrashFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-version" || name == "-v" || name == "--version" {
		fmt.Println(common.GetFullVersion())
		os.Exit(0)
	}
	if name == "-h" || name == "--help" || name == "help" {
		printUsage()
		os.Exit(0)
	}

	handler, ok := subcommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "repx: unknown subcommand %q\n", name)
		printUsage()
		os.Exit(2)
	}

	// Each subcommand parses its own flags, -config/-c included, and then
	// calls loadConfig with the collected paths, so configuration is loaded
	// by the handler rather than once here.
	if err := handler(os.Args[2:]); err != nil {
		if logger != nil {
			logger.Error().Err(err).Msg("command failed")
		} else {
			fmt.Fprintf(os.Stderr, "repx: %v\n", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `repx - reproducible experiment orchestrator

Usage:
  repx run [--lab path] [--target name] [--scheduler local|slurm] [--jobs N] [--continue-on-failure] <run-or-group-or-job>...
  repx cancel [--lab path] [--target name] <run-or-group-or-job>...
  repx gc [--lab path] [--target name]
  repx list [--lab path]
  repx show [--lab path] <run-or-job>
  repx log [--lab path] [--follow] <job-id>
  repx trace [--lab path] <job-id>
  repx internal-execute ...        (spawned by the schedulers; not for interactive use)
  repx internal-scatter-gather ... (spawned by the schedulers; not for interactive use)
  repx internal-gc --base-path path

Global flags (accepted by every subcommand):
  -config, -c  path to a repx.toml file (repeatable; later files override earlier ones)`)
}

// configPathsFlag registers the repeatable -config/-c flag on fs and
// returns the backing slice.
func configPathsFlag(fs *flag.FlagSet) *configPaths {
	var paths configPaths
	fs.Var(&paths, "config", "configuration file path (repeatable)")
	fs.Var(&paths, "c", "configuration file path shorthand")
	return &paths
}

// loadConfig loads and layers every path in paths over NewDefaultConfig,
// in order (later files override earlier ones field-by-field), then
// initializes the package-level logger singleton from the final
// configuration. Each subcommand calls this once after parsing its flags.
func loadConfig(paths []string) (*common.Config, error) {
	cfg := common.NewDefaultConfig()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config = cfg
	logger = common.SetupLogger(cfg)
	return cfg, nil
}
