package common

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is repx's top-level TOML configuration, loaded from repx.toml
// (or a path given with --config) and layered over NewDefaultConfig.
type Config struct {
	Lab       LabConfig         `toml:"lab"`
	Store     StoreConfig       `toml:"store"`
	Logging   LoggingConfig     `toml:"logging"`
	Scheduler SchedulerConfig   `toml:"scheduler"`
	Resources ResourcesConfig   `toml:"resources"`
	Gc        GcConfig          `toml:"gc"`
	Targets   map[string]Target `toml:"targets"`
}

// LabConfig locates the lab this invocation operates on absent a --lab flag.
type LabConfig struct {
	DefaultPath string `toml:"default_path"`
}

// StoreConfig points at the content-addressed artifact store root.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls arbor's console/file writers.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // TRACE, DEBUG, INFO, WARN, ERROR
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// SchedulerConfig configures the local admission-controlled scheduler and
// the default backend a run dispatches through absent --scheduler.
type SchedulerConfig struct {
	Default       string  `toml:"default"` // "local" or "slurm"
	MaxCpuPercent float64 `toml:"max_cpu_percent"`
	MaxMemPercent float64 `toml:"max_mem_percent"`
	PollInterval  string  `toml:"poll_interval"` // default "50ms"
}

// ResourcesConfig locates the resource-rule files consulted by the
// resolver, in file order (later files' matching rules can override
// earlier ones at equal priority).
type ResourcesConfig struct {
	Defaults   *string  `toml:"defaults,omitempty"`
	RulesFiles []string `toml:"rules_files"`
}

// GcConfig controls the mark-and-sweep garbage collector.
type GcConfig struct {
	AutoGcRootDepth int    `toml:"auto_gcroot_depth"` // rotating depth, default 5
	GracePeriod     string `toml:"grace_period"`      // minimum age before an unpinned root is swept
}

// Target describes one named execution environment a lab's runs can be
// dispatched against: local, or a remote host reached over SSH.
type Target struct {
	Kind string `toml:"kind"` // "local" or "ssh"
	Host string `toml:"host,omitempty"`
	User string `toml:"user,omitempty"`

	// RemoteRoot is the path on the remote host repx syncs lab content and
	// deploys its companion binary under.
	RemoteRoot string `toml:"remote_root,omitempty"`

	// IdentityFile is passed to ssh/scp/rsync as -i when set.
	IdentityFile string `toml:"identity_file,omitempty"`

	// NodeLocalPath, when set, is scratch space on the target distinct
	// from RemoteRoot (e.g. node-local SSD on a batch compute node).
	NodeLocalPath string `toml:"node_local_path,omitempty"`

	// DefaultExecutionType is the runtime backend ("native", "podman",
	// "docker", "bwrap") a job on this target runs under absent an
	// explicit --runtime override; empty means "native".
	DefaultExecutionType string `toml:"default_execution_type,omitempty"`

	// MountHostPaths exposes the entire host root tree into the
	// container/bwrap sandbox (mutually exclusive with MountPaths).
	MountHostPaths bool `toml:"mount_host_paths,omitempty"`

	// MountPaths lists specific host paths to bind-mount into the
	// sandbox when MountHostPaths is false.
	MountPaths []string `toml:"mount_paths,omitempty"`
}

// NewDefaultConfig returns the configuration repx runs with before any
// repx.toml is layered on top.
func NewDefaultConfig() *Config {
	return &Config{
		Lab: LabConfig{
			DefaultPath: "./result",
		},
		Store: StoreConfig{
			Path: "",
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Scheduler: SchedulerConfig{
			Default:       "local",
			MaxCpuPercent: 90.0,
			MaxMemPercent: 90.0,
			PollInterval:  "50ms",
		},
		Resources: ResourcesConfig{
			RulesFiles: nil,
		},
		Gc: GcConfig{
			AutoGcRootDepth: 5,
			GracePeriod:     "0s",
		},
		Targets: map[string]Target{
			"local": {Kind: "local"},
		},
	}
}

// LoadFromFile loads configuration with priority defaults -> file. path
// may be empty, in which case the defaults are returned unmodified.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}
