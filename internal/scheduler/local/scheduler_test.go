package local

import (
	"testing"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobID(id string) *model.JobId {
	j := model.JobId(id)
	return &j
}

func TestReadyJobsExcludesWorkerAndGatherStages(t *testing.T) {
	jobs := map[model.JobId]model.Job{
		"simple": {StageType: model.StageSimple, Executables: map[string]model.Executable{"main": {}}},
		"worker": {StageType: model.StageWorker, Executables: map[string]model.Executable{"main": {}}},
		"gather": {StageType: model.StageGather, Executables: map[string]model.Executable{"main": {}}},
	}
	left := map[model.JobId]struct{}{"simple": {}, "worker": {}, "gather": {}}

	ready := readyJobs(jobs, left, nil, nil)
	assert.Equal(t, []model.JobId{"simple"}, ready)
}

func TestReadyJobsRequiresDepsMetAndNotFailed(t *testing.T) {
	jobs := map[model.JobId]model.Job{
		"a": {StageType: model.StageSimple, Executables: map[string]model.Executable{"main": {}}},
		"b": {StageType: model.StageSimple, Executables: map[string]model.Executable{
			"main": {Inputs: []model.InputMapping{{JobID: jobID("a"), TargetInput: "x"}}},
		}},
		"c": {StageType: model.StageSimple, Executables: map[string]model.Executable{
			"main": {Inputs: []model.InputMapping{{JobID: jobID("failed"), TargetInput: "x"}}},
		}},
	}
	left := map[model.JobId]struct{}{"a": {}, "b": {}, "c": {}}
	completed := map[model.JobId]struct{}{}
	failed := map[model.JobId]struct{}{"failed": {}}

	ready := readyJobs(jobs, left, completed, failed)
	assert.Equal(t, []model.JobId{"a"}, ready)

	completed["a"] = struct{}{}
	ready = readyJobs(jobs, left, completed, failed)
	assert.Equal(t, []model.JobId{"a", "b"}, ready)
}

func TestReadyJobsSortedDeterministically(t *testing.T) {
	jobs := map[model.JobId]model.Job{
		"zeta":  {StageType: model.StageSimple, Executables: map[string]model.Executable{"main": {}}},
		"alpha": {StageType: model.StageSimple, Executables: map[string]model.Executable{"main": {}}},
	}
	left := map[model.JobId]struct{}{"zeta": {}, "alpha": {}}

	ready := readyJobs(jobs, left, nil, nil)
	assert.Equal(t, []model.JobId{"alpha", "zeta"}, ready)
}

func TestReadyJobsPanicsOnMissingEntrypoint(t *testing.T) {
	jobs := map[model.JobId]model.Job{
		"bad": {StageType: model.StageSimple, Executables: map[string]model.Executable{}},
	}
	left := map[model.JobId]struct{}{"bad": {}}

	assert.Panics(t, func() {
		readyJobs(jobs, left, nil, nil)
	})
}

func TestDependsOn(t *testing.T) {
	job := model.Job{Executables: map[string]model.Executable{
		"main": {Inputs: []model.InputMapping{{JobID: jobID("dep"), TargetInput: "x"}}},
	}}
	assert.True(t, dependsOn(job, model.JobId("dep")))
	assert.False(t, dependsOn(job, model.JobId("other")))
}

func TestResolveExecutionTypeAutoFallbackToNative(t *testing.T) {
	assert.Equal(t, "native", resolveExecutionType(SubmitOptions{}, "", "podman"))
}

func TestResolveExecutionTypeExplicitOverrideWins(t *testing.T) {
	assert.Equal(t, "bwrap", resolveExecutionType(SubmitOptions{ExecutionType: "bwrap"}, "myimage", "podman"))
}

func TestResolveExecutionTypeFallsBackToTargetDefault(t *testing.T) {
	assert.Equal(t, "podman", resolveExecutionType(SubmitOptions{}, "myimage", "podman"))
}

func TestResolveExecutionTypeDefaultsNativeAbsentConfig(t *testing.T) {
	assert.Equal(t, "native", resolveExecutionType(SubmitOptions{}, "myimage", ""))
}

func TestResolveImageTag(t *testing.T) {
	img := "envs/base.tar"
	lab := &model.Lab{
		Runs: map[model.RunId]model.Run{
			"run1": {Image: &img, Jobs: []model.JobId{"a", "b"}},
			"run2": {Jobs: []model.JobId{"c"}},
		},
	}

	assert.Equal(t, "base", resolveImageTag(lab, "a"))
	assert.Equal(t, "", resolveImageTag(lab, "c"))
	assert.Equal(t, "", resolveImageTag(lab, "unknown"))
}

func newTestLocalTarget(t *testing.T) target.Target {
	t.Helper()
	cfg := common.Target{Kind: "local", RemoteRoot: t.TempDir()}
	tgt, err := target.New("local", cfg, "", "", "")
	require.NoError(t, err)
	return tgt
}

func TestBuildSpawnArgsSimpleJob(t *testing.T) {
	lab := &model.Lab{Runs: map[model.RunId]model.Run{"run1": {Jobs: []model.JobId{"job-1"}}}, HostToolsDirName: "tools"}
	job := model.Job{
		StageType:   model.StageSimple,
		Executables: map[string]model.Executable{"main": {Path: "jobs/job-1/bin/run.sh"}},
	}
	tgt := newTestLocalTarget(t)

	args, err := buildSpawnArgs(lab, job, "job-1", tgt, SubmitOptions{})
	require.NoError(t, err)

	assert.Equal(t, "internal-execute", args[0])
	assert.Contains(t, args, "--runtime")
	assert.Contains(t, args, "native")
	assert.Contains(t, args, "--executable-path")
}

func TestBuildSpawnArgsScatterGatherJob(t *testing.T) {
	lab := &model.Lab{Runs: map[model.RunId]model.Run{"run1": {Jobs: []model.JobId{"job-1"}}}, HostToolsDirName: "tools"}
	job := model.Job{
		StageType: model.StageScatterGather,
		Executables: map[string]model.Executable{
			"scatter": {Path: "jobs/job-1/bin/scatter"},
			"gather":  {Path: "jobs/job-1/bin/gather"},
			"step-one": {
				Path:    "jobs/job-1/bin/step-one",
				Outputs: map[string]string{"result": "$out/result.json"},
			},
		},
	}
	tgt := newTestLocalTarget(t)

	args, err := buildSpawnArgs(lab, job, "job-1", tgt, SubmitOptions{})
	require.NoError(t, err)

	assert.Equal(t, "internal-scatter-gather", args[0])
	assert.Contains(t, args, "--steps-json")
	assert.Contains(t, args, "--scatter-exe-path")
	assert.Contains(t, args, "--gather-exe-path")
}
