package execruntime

import "strings"

// allowedSystemBinaries lists the system binaries an execution backend may
// invoke outside the lab's own host-tools bundle. Anything else must come
// from host-tools or is refused with repxerr.ToolNotAllowed.
var allowedSystemBinaries = []string{
	"docker", "podman", "sbatch", "squeue", "sinfo", "sacct", "scancel",
}

// AllowedSystemBinaries returns the fixed allowlist of system binaries an
// execution backend may resolve from PATH when not bundled as a host tool.
func AllowedSystemBinaries() []string {
	out := make([]string, len(allowedSystemBinaries))
	copy(out, allowedSystemBinaries)
	return out
}

// IsBinaryAllowed reports whether name is on the system binary allowlist.
func IsBinaryAllowed(name string) bool {
	for _, b := range allowedSystemBinaries {
		if b == name {
			return true
		}
	}
	return false
}

// ExtractImageHash returns the portion of an image tag after the last ':',
// or the tag unchanged if it has none. Image tags are "<name>:<hash>" or
// a bare content hash.
func ExtractImageHash(imageTag string) string {
	if i := strings.LastIndex(imageTag, ":"); i >= 0 {
		return imageTag[i+1:]
	}
	return imageTag
}
