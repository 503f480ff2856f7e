// Package gcengine implements repx's mark-and-sweep garbage collector:
// it walks gcroots/pinned and gcroots/auto/<project>/ symlinks to find
// every artifact path and lab still reachable, then deletes anything
// under artifacts/ or outputs/ that isn't. It runs directly against a
// target's base path, which is why the CLI's internal-gc subcommand
// dispatches to it on whichever machine (local or remote-over-SSH) the
// base path actually lives on.
package gcengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/lab"
)

// collectionDirs are the artifacts/ subdirectories whose individual
// CHILDREN are swept for liveness, rather than the directory itself.
var collectionDirs = map[string]struct{}{
	"host-tools": {},
	"images":     {},
	"image":      {},
	"jobs":       {},
	"lab":        {},
	"revision":   {},
	"readme":     {},
	"store":      {},
}

// Collect runs one mark-and-sweep pass rooted at basePath, returning a
// human-readable summary of what it found and deleted. A missing
// gcroots/ directory is a no-op, not an error - nothing has ever been
// pinned there.
func Collect(basePath string) (string, error) {
	logger := common.GetLogger()
	gcrootsDir := filepath.Join(basePath, "gcroots")
	artifactsDir := filepath.Join(basePath, common.DirArtifacts)
	outputsDir := filepath.Join(basePath, common.DirOutputs)

	if _, err := os.Stat(gcrootsDir); os.IsNotExist(err) {
		msg := fmt.Sprintf("no gcroots directory found at %s; nothing to collect", gcrootsDir)
		logger.Info().Msg(msg)
		return msg, nil
	}

	logger.Info().Str("gcroots", gcrootsDir).Msg("scanning GC roots")

	liveArtifacts := make(map[string]struct{})
	liveJobs := make(map[string]struct{})

	processLink := func(path string) {
		target, err := os.Readlink(path)
		if err != nil {
			return
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		canonical, err := filepath.EvalSymlinks(target)
		if err != nil {
			return
		}
		rel, err := filepath.Rel(artifactsDir, canonical)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return
		}
		liveArtifacts[filepath.Clean(rel)] = struct{}{}

		loadedLab, err := lab.LoadFromPath(canonical)
		if err != nil {
			logger.Warn().Str("artifact", canonical).Err(err).Msg("could not load lab metadata from artifact; outputs for this lab might be collected")
			return
		}
		for jobID := range loadedLab.Jobs {
			liveJobs[jobID.String()] = struct{}{}
		}
		for _, refFile := range loadedLab.ReferencedFiles {
			liveArtifacts[filepath.Clean(refFile)] = struct{}{}
			if first := firstPathComponent(refFile); first != "" {
				liveArtifacts[first] = struct{}{}
			}
		}
	}

	pinnedDir := filepath.Join(gcrootsDir, "pinned")
	if entries, err := os.ReadDir(pinnedDir); err == nil {
		for _, entry := range entries {
			processLink(filepath.Join(pinnedDir, entry.Name()))
		}
	}

	autoDir := filepath.Join(gcrootsDir, "auto")
	if projectEntries, err := os.ReadDir(autoDir); err == nil {
		for _, projectEntry := range projectEntries {
			if !projectEntry.IsDir() {
				continue
			}
			projectDir := filepath.Join(autoDir, projectEntry.Name())
			linkEntries, err := os.ReadDir(projectDir)
			if err != nil {
				continue
			}
			for _, linkEntry := range linkEntries {
				processLink(filepath.Join(projectDir, linkEntry.Name()))
			}
		}
	}

	logger.Info().Int("live_artifacts", len(liveArtifacts)).Int("live_jobs", len(liveJobs)).Msg("marked live set")

	artifactsDeleted := 0
	if entries, err := os.ReadDir(artifactsDir); err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if name == "bin" {
				continue
			}

			if _, collection := collectionDirs[name]; collection && entry.IsDir() {
				subEntries, err := os.ReadDir(filepath.Join(artifactsDir, name))
				if err != nil {
					continue
				}
				for _, sub := range subEntries {
					subRel := filepath.Join(name, sub.Name())
					if _, live := liveArtifacts[subRel]; live {
						continue
					}
					logger.Info().Str("path", subRel).Msg("deleting unused artifact")
					if err := os.RemoveAll(filepath.Join(artifactsDir, name, sub.Name())); err != nil {
						logger.Warn().Str("path", subRel).Err(err).Msg("failed to delete artifact")
						continue
					}
					artifactsDeleted++
				}
				continue
			}

			if _, live := liveArtifacts[name]; live {
				continue
			}
			logger.Info().Str("path", name).Msg("deleting unused artifact")
			if err := os.RemoveAll(filepath.Join(artifactsDir, name)); err != nil {
				logger.Warn().Str("path", name).Err(err).Msg("failed to delete artifact")
				continue
			}
			artifactsDeleted++
		}
	}

	outputsDeleted := 0
	if entries, err := os.ReadDir(outputsDir); err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if _, live := liveJobs[name]; live {
				continue
			}
			logger.Info().Str("path", name).Msg("deleting unused output")
			if err := os.RemoveAll(filepath.Join(outputsDir, name)); err != nil {
				logger.Warn().Str("path", name).Err(err).Msg("failed to delete output")
				continue
			}
			outputsDeleted++
		}
	}

	return fmt.Sprintf("garbage collection complete: %d live job(s), %d live artifact path(s), %d artifact entries removed, %d output entries removed",
		len(liveJobs), len(liveArtifacts), artifactsDeleted, outputsDeleted), nil
}

func firstPathComponent(relPath string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(relPath)), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
