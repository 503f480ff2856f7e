// Package scatter drives a ScatterGather job's three phases (scatter,
// per-item worker step sub-DAG, gather) to completion, and defines the
// on-the-wire step-plan shape the local scheduler serializes into its
// internal-scatter-gather subprocess's --steps-json argument.
package scatter

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/repx-org/repx/internal/model"
)

// StepInput is one step-<name> executable's input mapping, carried across
// the --steps-json argument in the same shape the orchestrating process
// reads back.
type StepInput struct {
	Source       *string `json:"source,omitempty"`
	SourceOutput *string `json:"source_output,omitempty"`
	TargetInput  string  `json:"target_input"`
	JobID        *string `json:"job_id,omitempty"`
	MappingType  *string `json:"type,omitempty"`
}

// StepSpec is one step-<name> executable's resolved plan: its path already
// joined against the target's artifacts base, its declared deps, outputs,
// inputs, and any resource hint override.
type StepSpec struct {
	ExePath       string               `json:"exe_path"`
	Deps          []string             `json:"deps"`
	Outputs       map[string]string    `json:"outputs"`
	Inputs        []StepInput          `json:"inputs"`
	ResourceHints *model.ResourceHints `json:"resource_hints,omitempty"`
}

// StepsMetadata is the full step sub-DAG plan for one ScatterGather job:
// every step keyed by its bare name, plus the one step nothing else
// depends on.
type StepsMetadata struct {
	Steps    map[string]StepSpec `json:"steps"`
	SinkStep string              `json:"sink_step"`
}

// BuildStepsJSON resolves job's step-<name> executables into a
// StepsMetadata, serializes it, and separately serializes the sink step's
// output-template map (the gather phase's "what did the last step
// produce" reference) exactly as the local scheduler's CLI arg pair
// expects: steps-json first, last-step-outputs-json second.
func BuildStepsJSON(job model.Job, artifactsBase string) (stepsJSON string, lastStepOutputsJSON string, err error) {
	stepExes := job.StepExecutables()
	if len(stepExes) == 0 {
		return "", "", fmt.Errorf("scatter-gather job has no step executables (expected step-<name> keys)")
	}

	steps := make(map[string]StepSpec, len(stepExes))
	for name, exe := range stepExes {
		inputs := make([]StepInput, 0, len(exe.Inputs))
		for _, m := range exe.Inputs {
			in := StepInput{
				Source:       m.Source,
				SourceOutput: m.SourceOutput,
				TargetInput:  m.TargetInput,
				MappingType:  m.MappingType,
			}
			if m.JobID != nil {
				s := string(*m.JobID)
				in.JobID = &s
			}
			inputs = append(inputs, in)
		}

		steps[name] = StepSpec{
			ExePath:       filepath.Join(artifactsBase, exe.Path),
			Deps:          exe.Deps,
			Outputs:       exe.Outputs,
			Inputs:        inputs,
			ResourceHints: exe.ResourceHints,
		}
	}

	sink, err := model.SinkStep(stepExes)
	if err != nil {
		return "", "", err
	}

	metadata := StepsMetadata{Steps: steps, SinkStep: sink}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("serializing step metadata: %w", err)
	}

	sinkOutputsJSON, err := json.Marshal(stepExes[sink].Outputs)
	if err != nil {
		return "", "", fmt.Errorf("serializing sink step outputs: %w", err)
	}

	return string(metadataJSON), string(sinkOutputsJSON), nil
}

// ParseStepsMetadata is BuildStepsJSON's inverse: it decodes the
// --steps-json argument the local/batch schedulers hand an
// internal-scatter-gather child back into a StepsMetadata.
func ParseStepsMetadata(stepsJSON string) (StepsMetadata, error) {
	var metadata StepsMetadata
	if err := json.Unmarshal([]byte(stepsJSON), &metadata); err != nil {
		return StepsMetadata{}, err
	}
	return metadata, nil
}
