package scatter

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/repx-org/repx/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func twoStepJob() model.Job {
	return model.Job{
		StageType: model.StageScatterGather,
		Executables: map[string]model.Executable{
			"scatter": {Path: "jobs/j1/bin/scatter"},
			"gather":  {Path: "jobs/j1/bin/gather"},
			"step-prepare": {
				Path:    "jobs/j1/bin/prepare",
				Outputs: map[string]string{"cleaned": "$out/cleaned.json"},
				Inputs: []model.InputMapping{
					{Source: strPtr("scatter:work_item"), TargetInput: "item"},
				},
			},
			"step-analyze": {
				Path:    "jobs/j1/bin/analyze",
				Deps:    []string{"prepare"},
				Outputs: map[string]string{"report": "$out/report.json"},
				Inputs: []model.InputMapping{
					{Source: strPtr("step:prepare"), SourceOutput: strPtr("cleaned"), TargetInput: "cleaned"},
				},
			},
		},
	}
}

func TestBuildStepsJSONRoundTrip(t *testing.T) {
	stepsJSON, sinkOutputsJSON, err := BuildStepsJSON(twoStepJob(), "/base/artifacts")
	require.NoError(t, err)

	metadata, err := ParseStepsMetadata(stepsJSON)
	require.NoError(t, err)

	assert.Equal(t, "analyze", metadata.SinkStep)
	require.Len(t, metadata.Steps, 2)
	assert.Equal(t, "/base/artifacts/jobs/j1/bin/prepare", metadata.Steps["prepare"].ExePath)
	assert.Equal(t, []string{"prepare"}, metadata.Steps["analyze"].Deps)

	var sinkOutputs map[string]string
	require.NoError(t, json.Unmarshal([]byte(sinkOutputsJSON), &sinkOutputs))
	assert.Equal(t, map[string]string{"report": "$out/report.json"}, sinkOutputs)
}

func TestBuildStepsJSONRejectsNoSteps(t *testing.T) {
	job := model.Job{
		StageType: model.StageScatterGather,
		Executables: map[string]model.Executable{
			"scatter": {Path: "s"},
			"gather":  {Path: "g"},
		},
	}
	_, _, err := BuildStepsJSON(job, "/base")
	assert.Error(t, err)
}

func TestBuildStepsJSONRejectsMultipleSinks(t *testing.T) {
	job := model.Job{
		StageType: model.StageScatterGather,
		Executables: map[string]model.Executable{
			"scatter":  {Path: "s"},
			"gather":   {Path: "g"},
			"step-one": {Path: "a"},
			"step-two": {Path: "b"},
		},
	}
	_, _, err := BuildStepsJSON(job, "/base")
	assert.Error(t, err)
}

func TestResolveStepInputs(t *testing.T) {
	stepsJSON, _, err := BuildStepsJSON(twoStepJob(), "/base/artifacts")
	require.NoError(t, err)
	metadata, err := ParseStepsMetadata(stepsJSON)
	require.NoError(t, err)

	branchRoot := "/base/outputs/j1/branch-0"
	workItemPath := filepath.Join(branchRoot, "repx", "work_item.json")

	inputs, err := resolveStepInputs(metadata.Steps["prepare"], branchRoot, workItemPath, nil, metadata.Steps)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+workItemPath+`"`, string(inputs["item"]))

	inputs, err = resolveStepInputs(metadata.Steps["analyze"], branchRoot, workItemPath, nil, metadata.Steps)
	require.NoError(t, err)
	want := filepath.Join(branchRoot, "step-prepare", "out", "cleaned.json")
	assert.JSONEq(t, `"`+want+`"`, string(inputs["cleaned"]))
}

func TestResolveStepInputsExternalJobPassthrough(t *testing.T) {
	jid := "dep-hash"
	spec := StepSpec{
		Inputs: []StepInput{{JobID: &jid, TargetInput: "model"}},
	}
	static := map[string]json.RawMessage{"model": json.RawMessage(`"/base/outputs/dep-hash/out/model.bin"`)}

	inputs, err := resolveStepInputs(spec, "/branch", "/branch/repx/work_item.json", static, nil)
	require.NoError(t, err)
	assert.Equal(t, static["model"], inputs["model"])
}

func TestResolveStepInputsUnknownStepDependency(t *testing.T) {
	spec := StepSpec{
		Inputs: []StepInput{{Source: strPtr("step:ghost"), SourceOutput: strPtr("x"), TargetInput: "x"}},
	}
	_, err := resolveStepInputs(spec, "/branch", "/wi.json", nil, map[string]StepSpec{})
	assert.Error(t, err)
}

func TestJsonRawEqualNormalizesFormatting(t *testing.T) {
	assert.True(t, jsonRawEqual(json.RawMessage(`{"a": 1, "b": 2}`), json.RawMessage(`{"b":2,"a":1}`)))
	assert.False(t, jsonRawEqual(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
}
