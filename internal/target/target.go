// Package target defines the Target capability interface - the single
// dispatch point between the core (submission engine, schedulers, GC)
// and the machine work actually runs on - plus its two realizations: an
// in-process filesystem target and a remote host reached over SSH. The
// two are behaviorally equivalent in observable effects; only the
// transport differs.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/repx-org/repx/internal/common"
)

// JobHandle is a spawned background job's process handle. Wait blocks
// until the process exits and returns its exit error, if any.
type JobHandle interface {
	Wait() error
	Pid() int
}

// GcRootKind distinguishes user-pinned roots from the rotating
// auto-registered ones a submission writes.
type GcRootKind string

const (
	GcRootPinned GcRootKind = "pinned"
	GcRootAuto   GcRootKind = "auto"
)

// GcRootEntry is one symlink under <base>/gcroots/, as reported by
// ListGcRoots.
type GcRootEntry struct {
	Kind GcRootKind
	// Name is the symlink's own name; for auto roots it is
	// "<project-id>/<ts>_<hash>".
	Name string
	// Target is what the symlink resolves to (possibly dangling).
	Target string
}

// Target is the uniform capability set the rest of the core calls.
// No caller may depend on whether work lands on this machine or a
// remote one.
type Target interface {
	Name() string
	BasePath() string
	Config() common.Target

	// ArtifactsBasePath is <base>/artifacts, where the synced lab
	// content lives.
	ArtifactsBasePath() string

	// RunCommand executes prog with args on the target and returns its
	// stdout; a non-zero exit is an error carrying the captured stderr.
	RunCommand(prog string, args []string) (string, error)

	// DeployRepxBinary installs this orchestrator binary content-addressed
	// at <base>/bin/<hash>/repx, verifies it executes, and returns its
	// path on the target. Idempotent.
	DeployRepxBinary() (string, error)

	// SpawnRepxJob launches binaryPath with args as a background process
	// on the target and returns its handle.
	SpawnRepxJob(binaryPath string, args []string) (JobHandle, error)

	// SyncLabRoot mirrors localPath's tree into <base>/artifacts,
	// preserving mode bits but forcing user-writability.
	SyncLabRoot(localPath string) error

	// SyncImageIncrementally pushes the image at localImagePath onto the
	// target, transferring only layer blobs the target's store/ lacks,
	// and points <base>/images/<tag> at the result. localCacheRoot is
	// local scratch space for staging layer extraction.
	SyncImageIncrementally(localImagePath, tag, localCacheRoot string) error

	// GetMissingArtifacts filters artifact-relative paths down to those
	// not present under <base>/artifacts on the target.
	GetMissingArtifacts(paths []string) ([]string, error)

	WriteRemoteFile(path, content string) error
	ReadRemoteFile(path string) (string, error)
	ReadFileTail(path string, n int) ([]string, error)

	// Scancel cancels one batch-scheduler job; a non-existent id is not
	// an error.
	Scancel(id string) error
	ScancelBatch(ids []string) error

	// RegisterGcRoot writes the rotating auto root
	// gcroots/auto/<projectID>/<ts>_<labHash>, keeping the five most
	// recent per project.
	RegisterGcRoot(projectID, labHash string) error
	PinGcRoot(labHash, name string) error
	UnpinGcRoot(name string) error
	ListGcRoots() ([]GcRootEntry, error)

	// GarbageCollect runs one mark-and-sweep pass on the target and
	// returns its summary.
	GarbageCollect() (string, error)
}

// New builds a Target from its config. address is the "user@host" an
// ad-hoc ssh: specifier carries; when empty it is derived from
// cfg.Host/cfg.User for ssh targets and unused for local ones.
func New(name string, cfg common.Target, address, hostToolsPath, hostToolsDirName string) (Target, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocalTarget(name, cfg, hostToolsPath), nil
	case "ssh":
		if address == "" {
			address = cfg.Host
			if cfg.User != "" {
				address = cfg.User + "@" + cfg.Host
			}
		}
		if address == "" || address == "@" {
			return nil, fmt.Errorf("ssh target %q has no host configured", name)
		}
		return NewSSHTarget(name, address, cfg, hostToolsPath, hostToolsDirName), nil
	default:
		return nil, fmt.Errorf("target %q has unknown kind %q", name, cfg.Kind)
	}
}

// labManifestPath is where a lab's manifest lands on a target once its
// root is synced; GC roots point at it.
func labManifestPath(basePath, labHash string) string {
	return filepath.Join(basePath, common.DirArtifacts, "lab", labHash+"-lab-metadata.json")
}

// generateGCLinkName names an auto GC root for labHash registered at ts.
// Lexical order of the names is registration order, which is what the
// keep-newest-five rotation sorts by.
func generateGCLinkName(ts time.Time, labHash string) string {
	return common.NewAutoGCRootName(ts.UnixNano(), labHash)
}

// computeFileHash returns the hex sha256 of the file at path.
func computeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// findLocalRunnerBinary locates this process's own executable, the
// artifact DeployRepxBinary installs on the target.
func findLocalRunnerBinary() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating own binary: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// shellQuote single-quotes s for POSIX sh, the quoting every remote
// script this package generates relies on.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
