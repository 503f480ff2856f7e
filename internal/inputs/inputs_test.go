package inputs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func jobID(id string) *model.JobId {
	j := model.JobId(id)
	return &j
}

func readInputs(t *testing.T, basePath string, jid string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(basePath, common.DirOutputs, jid, common.DirRepx, "inputs.json"))
	require.NoError(t, err)
	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestGenerateInputsResolvesDependencyOutput(t *testing.T) {
	tgt := target.NewLocalTarget("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "")

	lab := &model.Lab{
		Jobs: map[model.JobId]model.Job{
			"dep-hash": {
				StageType: model.StageSimple,
				Executables: map[string]model.Executable{
					"main": {Path: "bin/dep", Outputs: map[string]string{"result": "$out/result.csv"}},
				},
			},
		},
	}
	job := model.Job{
		StageType: model.StageSimple,
		Executables: map[string]model.Executable{
			"main": {
				Path: "bin/run",
				Inputs: []model.InputMapping{
					{JobID: jobID("dep-hash"), SourceOutput: strPtr("result"), TargetInput: "data"},
				},
			},
		},
	}

	require.NoError(t, GenerateAndWriteInputsJSON(lab, t.TempDir(), job, "job-hash", tgt, "main"))

	got := readInputs(t, tgt.BasePath(), "job-hash")
	want := filepath.Join(tgt.BasePath(), common.DirOutputs, "dep-hash", common.DirOut, "result.csv")
	assert.Equal(t, want, got["data"])
}

func TestGenerateInputsScatterGatherDependencyUsesGatherOutputs(t *testing.T) {
	tgt := target.NewLocalTarget("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "")

	lab := &model.Lab{
		Jobs: map[model.JobId]model.Job{
			"sg-hash": {
				StageType: model.StageScatterGather,
				Executables: map[string]model.Executable{
					"scatter": {Path: "bin/scatter"},
					"gather":  {Path: "bin/gather", Outputs: map[string]string{"merged": "$out/merged.json"}},
				},
			},
		},
	}
	job := model.Job{
		StageType: model.StageSimple,
		Executables: map[string]model.Executable{
			"main": {
				Inputs: []model.InputMapping{
					{JobID: jobID("sg-hash"), SourceOutput: strPtr("merged"), TargetInput: "merged"},
				},
			},
		},
	}

	require.NoError(t, GenerateAndWriteInputsJSON(lab, t.TempDir(), job, "job-hash", tgt, "main"))

	got := readInputs(t, tgt.BasePath(), "job-hash")
	want := filepath.Join(tgt.BasePath(), common.DirOutputs, "sg-hash", common.DirOut, "merged.json")
	assert.Equal(t, want, got["merged"])
}

func TestGenerateInputsGlobalMappingInjectsBasePath(t *testing.T) {
	tgt := target.NewLocalTarget("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "")

	global := "global"
	job := model.Job{
		StageType: model.StageSimple,
		Executables: map[string]model.Executable{
			"main": {
				Inputs: []model.InputMapping{
					{MappingType: &global, TargetInput: "base"},
					{TargetInput: "store__base"},
				},
			},
		},
	}

	require.NoError(t, GenerateAndWriteInputsJSON(&model.Lab{}, t.TempDir(), job, "job-hash", tgt, "main"))

	got := readInputs(t, tgt.BasePath(), "job-hash")
	assert.Equal(t, tgt.BasePath(), got["base"])
	assert.Equal(t, tgt.BasePath(), got["store__base"])
}

func TestGenerateInputsMissingDeclaredOutputFails(t *testing.T) {
	tgt := target.NewLocalTarget("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "")

	lab := &model.Lab{
		Jobs: map[model.JobId]model.Job{
			"dep-hash": {
				StageType:   model.StageSimple,
				Executables: map[string]model.Executable{"main": {}},
			},
		},
	}
	job := model.Job{
		StageType: model.StageSimple,
		Executables: map[string]model.Executable{
			"main": {
				Inputs: []model.InputMapping{
					{JobID: jobID("dep-hash"), SourceOutput: strPtr("ghost"), TargetInput: "x"},
				},
			},
		},
	}

	err := GenerateAndWriteInputsJSON(lab, t.TempDir(), job, "job-hash", tgt, "main")
	assert.ErrorContains(t, err, "ghost")
}

func TestGenerateInputsMissingEntrypoint(t *testing.T) {
	tgt := target.NewLocalTarget("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "")
	err := GenerateAndWriteInputsJSON(&model.Lab{}, t.TempDir(), model.Job{}, "job-hash", tgt, "main")
	assert.Error(t, err)
}
