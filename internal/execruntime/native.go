package execruntime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildNativeCommand runs scriptPath directly on the host, prepending the
// lab's host-tools bin directory to PATH (ahead of the system PATH, never
// replacing it) when one is configured.
func BuildNativeCommand(ctx context.Context, req *ExecutionRequest, scriptPath string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, scriptPath, args...)

	if req.HostToolsBinDir != "" {
		systemPath, ok := os.LookupEnv("PATH")
		if !ok {
			cmd.Env = append(os.Environ(), "PATH="+req.HostToolsBinDir)
			return cmd
		}
		dirs := filepath.SplitList(systemPath)
		dirs = append([]string{req.HostToolsBinDir}, dirs...)
		newPath := dirs[0]
		for _, d := range dirs[1:] {
			newPath += string(os.PathListSeparator) + d
		}
		cmd.Env = append(filteredEnvWithoutPath(os.Environ()), "PATH="+newPath)
	}

	return cmd
}
