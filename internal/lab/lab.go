// Package lab loads a repx lab directory from disk into an
// internal/model.Lab: parsing its manifest and per-run metadata,
// verifying every referenced file's content hash, and locating the
// bundled host-tools directory.
package lab

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/repxerr"
)

// ExpectedRepxVersion is compared against a loaded lab's repx_version; a
// mismatch is a warn-and-proceed condition, not fatal.
var ExpectedRepxVersion = "0.1.0"

type fileEntry struct {
	Path   string `json:"path"`
	Sha256 string `json:"sha256"`
}

type labManifest struct {
	LabID      string      `json:"labId"`
	LabVersion string      `json:"lab_version"`
	Metadata   string      `json:"metadata"`
	Files      []fileEntry `json:"files"`
}

type rootMetadata struct {
	Runs    []string            `json:"runs"`
	GitHash string              `json:"gitHash"`
	RepxVer string              `json:"repx_version"`
	Groups  map[string][]string `json:"groups"`
}

type runMetadataForLoading struct {
	Name         model.RunId               `json:"name"`
	Image        *string                   `json:"image,omitempty"`
	Dependencies map[model.RunId]string    `json:"dependencies,omitempty"`
	Jobs         map[model.JobId]model.Job `json:"jobs"`
}

// LoadFromPath loads and fully validates the lab rooted at, or whose
// "lab/*-lab-metadata.json" manifest is, initialPath. initialPath may
// name either the lab's root directory or a specific manifest file
// directly under "<root>/lab/".
func LoadFromPath(initialPath string) (*model.Lab, error) {
	logger := common.GetLogger()
	logger.Debug().Str("path", initialPath).Msg("loading lab")

	labPath, specificManifest, err := resolveLabPath(initialPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(labPath)
	if err != nil || !info.IsDir() {
		return nil, &repxerr.LabNotFound{Path: labPath}
	}

	manifestPath := specificManifest
	if manifestPath == "" {
		manifestPath, err = findManifestPath(labPath)
		if err != nil {
			return nil, &repxerr.MetadataNotFound{Path: labPath}
		}
	}

	manifestContent, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading lab manifest: %w", err)
	}

	var manifest labManifest
	if err := json.Unmarshal(manifestContent, &manifest); err != nil {
		return nil, fmt.Errorf("parsing lab manifest %s: %w", manifestPath, err)
	}

	if err := verifyFileIntegrity(labPath, manifest.Files); err != nil {
		return nil, err
	}

	rootMetadataPath := filepath.Join(labPath, manifest.Metadata)
	rootMetaContent, err := os.ReadFile(rootMetadataPath)
	if err != nil {
		return nil, fmt.Errorf("root metadata file not found at '%s': %w", rootMetadataPath, err)
	}

	var rootMeta rootMetadata
	if err := json.Unmarshal(rootMetaContent, &rootMeta); err != nil {
		return nil, fmt.Errorf("parsing root metadata %s: %w", rootMetadataPath, err)
	}

	if rootMeta.RepxVer != ExpectedRepxVersion {
		logger.Warn().
			Str("expected", ExpectedRepxVersion).
			Str("found", rootMeta.RepxVer).
			Msg("lab version mismatch, proceeding anyway")
	}

	hostToolsPath, hostToolsDirName, err := discoverHostTools(labPath)
	if err != nil {
		return nil, err
	}

	referencedFiles := []string{
		relOrEmpty(labPath, manifestPath),
		relOrEmpty(labPath, rootMetadataPath),
	}
	for _, entry := range manifest.Files {
		referencedFiles = append(referencedFiles, entry.Path)
	}

	groups := make(map[string][]model.RunId, len(rootMeta.Groups))
	for name, runNames := range rootMeta.Groups {
		ids := make([]model.RunId, 0, len(runNames))
		for _, n := range runNames {
			ids = append(ids, model.RunId(n))
		}
		groups[name] = ids
	}

	resultLab := &model.Lab{
		RepxVersion:      rootMeta.RepxVer,
		LabVersion:       manifest.LabVersion,
		GitHash:          rootMeta.GitHash,
		ContentHash:      manifest.LabID,
		Runs:             make(map[model.RunId]model.Run),
		Jobs:             make(map[model.JobId]model.Job),
		Groups:           groups,
		HostToolsPath:    hostToolsPath,
		HostToolsDirName: hostToolsDirName,
		ReferencedFiles:  referencedFiles,
	}

	for _, runRelPath := range rootMeta.Runs {
		resultLab.ReferencedFiles = append(resultLab.ReferencedFiles, runRelPath)
		runMetadataPath := filepath.Join(labPath, runRelPath)

		runMetaContent, err := os.ReadFile(runMetadataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read run metadata at %s: %w", runMetadataPath, err)
		}

		var runMeta runMetadataForLoading
		if err := json.Unmarshal(runMetaContent, &runMeta); err != nil {
			return nil, fmt.Errorf("parsing run metadata %s: %w", runMetadataPath, err)
		}

		jobIDs := make([]model.JobId, 0, len(runMeta.Jobs))
		for id := range runMeta.Jobs {
			jobIDs = append(jobIDs, id)
		}

		if runMeta.Image != nil {
			resultLab.ReferencedFiles = append(resultLab.ReferencedFiles, *runMeta.Image)
		}

		resultLab.Runs[runMeta.Name] = model.Run{
			Image:        runMeta.Image,
			Jobs:         jobIDs,
			Dependencies: runMeta.Dependencies,
		}

		for jobID, job := range runMeta.Jobs {
			job.PathInLab = filepath.Join("jobs", string(jobID))
			resultLab.ReferencedFiles = append(resultLab.ReferencedFiles, job.PathInLab)
			resultLab.Jobs[jobID] = job
		}
	}

	logger.Debug().
		Int("runs", len(resultLab.Runs)).
		Int("jobs", len(resultLab.Jobs)).
		Msg("parsed all lab metadata")

	if err := validateLabLayout(labPath, resultLab); err != nil {
		return nil, err
	}

	if err := validateOutputTemplates(resultLab); err != nil {
		return nil, err
	}

	if err := validateJobReferences(resultLab); err != nil {
		return nil, err
	}

	logger.Debug().Msg("lab validation successful")
	return resultLab, nil
}

func resolveLabPath(initialPath string) (labPath string, specificManifest string, err error) {
	info, statErr := os.Stat(initialPath)
	if statErr != nil {
		return initialPath, "", nil
	}
	if !info.IsDir() {
		parent := filepath.Dir(initialPath)
		if filepath.Base(parent) == "lab" {
			root := filepath.Dir(parent)
			return root, initialPath, nil
		}
		return parent, "", nil
	}
	return initialPath, "", nil
}

func findManifestPath(labPath string) (string, error) {
	labSubdir := filepath.Join(labPath, "lab")
	entries, err := os.ReadDir(labSubdir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > len("lab-metadata.json") &&
			entry.Name()[len(entry.Name())-len("lab-metadata.json"):] == "lab-metadata.json" {
			return filepath.Join(labSubdir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no *-lab-metadata.json found under %s", labSubdir)
}

func discoverHostTools(labPath string) (path string, dirName string, err error) {
	hostToolsRoot := filepath.Join(labPath, "host-tools")
	entries, err := os.ReadDir(hostToolsRoot)
	if err != nil {
		return "", "", fmt.Errorf("'host-tools' directory not found in lab at '%s': %w", labPath, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			return filepath.Join(hostToolsRoot, entry.Name()), entry.Name(), nil
		}
	}
	return "", "", fmt.Errorf("no tool directory found inside host-tools at '%s'", hostToolsRoot)
}

func relOrEmpty(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ""
	}
	return rel
}

// verifyFileIntegrity hashes every manifest-listed file concurrently,
// bounded to GOMAXPROCS workers, and compares against its recorded
// sha256. The first mismatch or missing file found is returned; workers
// already in flight are allowed to finish since none mutate shared state
// beyond a single error slot.
func verifyFileIntegrity(labPath string, files []fileEntry) error {
	if len(files) == 0 {
		return nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(files) {
		workers = len(files)
	}

	jobs := make(chan fileEntry)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if err := verifyOneFile(labPath, entry); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for _, entry := range files {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

func verifyOneFile(labPath string, entry fileEntry) error {
	filePath := filepath.Join(labPath, entry.Path)

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &repxerr.IntegrityFileMissing{Path: entry.Path}
		}
		return fmt.Errorf("failed to open file for integrity check '%s': %w", entry.Path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("failed to read file for integrity check '%s': %w", entry.Path, err)
	}

	actualHash := hex.EncodeToString(hasher.Sum(nil))
	if actualHash != entry.Sha256 {
		return &repxerr.IntegrityHashMismatch{
			Path:     entry.Path,
			Expected: entry.Sha256,
			Actual:   actualHash,
		}
	}
	return nil
}

func validateLabLayout(labPath string, l *model.Lab) error {
	jobsDir := filepath.Join(labPath, "jobs")
	if info, err := os.Stat(jobsDir); err != nil || !info.IsDir() {
		return fmt.Errorf("'jobs' directory not found in lab at '%s'", labPath)
	}

	for _, run := range l.Runs {
		if run.Image == nil {
			continue
		}
		imagePath := filepath.Join(labPath, *run.Image)
		if _, err := os.Stat(imagePath); err != nil {
			return fmt.Errorf("image file '%s' not found for run", imagePath)
		}
	}

	for jobID, job := range l.Jobs {
		jobPkgPath := filepath.Join(labPath, job.PathInLab)
		info, err := os.Stat(jobPkgPath)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("job package directory not found for job '%s' at '%s'", jobID, jobPkgPath)
		}
	}

	return nil
}

// validateJobReferences checks that every job id named by an input
// mapping exists in the lab. The status engine and resolvers assume
// this and panic rather than recover when it doesn't hold.
func validateJobReferences(l *model.Lab) error {
	for jobID, job := range l.Jobs {
		for _, dep := range job.AllDependencies() {
			if _, ok := l.Jobs[dep]; !ok {
				return fmt.Errorf("job '%s' depends on job '%s', which does not exist in the lab", jobID, dep)
			}
		}
	}
	return nil
}

// validateOutputTemplates checks that every output template begins with
// "$out/".
func validateOutputTemplates(l *model.Lab) error {
	const prefix = "$out/"
	for jobID, job := range l.Jobs {
		for _, exe := range job.Executables {
			for name, path := range exe.Outputs {
				if len(path) < len(prefix) || path[:len(prefix)] != prefix {
					return &repxerr.InvalidOutputPath{
						JobID:      string(jobID),
						OutputName: name,
						Path:       path,
					}
				}
			}
		}
	}
	return nil
}
