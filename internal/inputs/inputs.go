// Package inputs renders one job's inputs.json - the file its entrypoint
// executable reads its input paths from - by resolving every InputMapping
// on that executable against the target it will run on, and writes the
// result to the target's outputs/<jid>/repx/inputs.json.
package inputs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/target"
)

// GenerateAndWriteInputsJSON resolves job's executableName executable's
// input mappings and writes the resulting JSON object to tgt at
// outputs/<jobID>/repx/inputs.json.
//
// Three mapping shapes are resolved here: a JobID+SourceOutput
// pair resolves against the dependency job's own output template (its
// "gather" executable for a ScatterGather dependency, "main" otherwise); a
// "global"-typed mapping (or the reserved "store__base" name) injects the
// target's base path; a SourceRun mapping looks up that run's revision
// metadata file under the lab's local revision/ directory.
func GenerateAndWriteInputsJSON(lab *model.Lab, localLabPath string, job model.Job, jobID model.JobId, tgt target.Target, executableName string) error {
	exe, ok := job.Executables[executableName]
	if !ok {
		return fmt.Errorf("job '%s' missing required executable '%s'", jobID, executableName)
	}

	inputsMap := make(map[string]json.RawMessage)

	for _, mapping := range exe.Inputs {
		switch {
		case mapping.JobID != nil && mapping.SourceOutput != nil:
			depJob, ok := lab.Jobs[*mapping.JobID]
			if !ok {
				return fmt.Errorf("job '%s' depends on unknown job '%s'", jobID, *mapping.JobID)
			}

			entrypointName := "main"
			if depJob.StageType == model.StageScatterGather {
				entrypointName = "gather"
			}
			depExe, ok := depJob.Executables[entrypointName]
			if !ok {
				return fmt.Errorf("could not find output executable for dependency job '%s'", *mapping.JobID)
			}

			template, ok := depExe.Outputs[*mapping.SourceOutput]
			if !ok {
				return fmt.Errorf("inconsistent metadata: job '%s' requires output '%s' from dependency '%s', but this output is not defined in the dependency's metadata", jobID, *mapping.SourceOutput, *mapping.JobID)
			}

			depOutDir := filepath.Join(tgt.BasePath(), common.DirOutputs, mapping.JobID.String(), common.DirOut)
			finalPath := strings.ReplaceAll(template, "$out", depOutDir)
			inputsMap[mapping.TargetInput] = jsonString(finalPath)

		case mapping.IsGlobal():
			inputsMap[mapping.TargetInput] = jsonString(tgt.BasePath())

		case mapping.SourceRun != nil:
			revisionDir := filepath.Join(localLabPath, "revision")
			suffix := fmt.Sprintf("metadata-%s.json", mapping.SourceRun.String())

			var foundFilename string
			entries, err := os.ReadDir(revisionDir)
			if err == nil {
				for _, entry := range entries {
					if strings.HasSuffix(entry.Name(), suffix) {
						foundFilename = entry.Name()
						break
					}
				}
			}

			if foundFilename == "" {
				common.GetLogger().Warn().Str("run_id", mapping.SourceRun.String()).Str("target_input", mapping.TargetInput).Msg("could not resolve metadata file for run in revision directory; input will be missing")
				continue
			}

			remotePath := filepath.Join(tgt.ArtifactsBasePath(), "revision", foundFilename)
			inputsMap[mapping.TargetInput] = jsonString(remotePath)
		}
	}

	jsonContent, err := json.MarshalIndent(inputsMap, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing inputs.json for job '%s': %w", jobID, err)
	}

	inputsJSONPath := filepath.Join(tgt.BasePath(), common.DirOutputs, jobID.String(), common.DirRepx, "inputs.json")

	common.GetLogger().Info().Str("job_id", jobID.String()).Str("target", tgt.Name()).Msg("generating inputs.json")
	common.GetLogger().Debug().Str("path", inputsJSONPath).Str("content", string(jsonContent)).Msg("writing inputs.json")

	return tgt.WriteRemoteFile(inputsJSONPath, string(jsonContent))
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
