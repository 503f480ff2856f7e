package batch

import (
	"testing"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/resources"
	"github.com/repx-org/repx/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTarget(t *testing.T) target.Target {
	t.Helper()
	tgt, err := target.New("local", common.Target{Kind: "local", RemoteRoot: t.TempDir()}, "", "", "")
	require.NoError(t, err)
	return tgt
}

func TestShellJoinQuotesEveryArgument(t *testing.T) {
	joined := shellJoin("/base/bin/abc/repx", []string{"internal-execute", "--job-id", "it's"})
	assert.Equal(t, `'/base/bin/abc/repx' 'internal-execute' '--job-id' 'it'\''s'`, joined)
}

func TestBuildSpawnArgsSimpleJob(t *testing.T) {
	lab := &model.Lab{
		Runs:             map[model.RunId]model.Run{"run1": {Jobs: []model.JobId{"job-1"}}},
		HostToolsDirName: "host-tools",
	}
	job := model.Job{
		StageType:   model.StageSimple,
		Executables: map[string]model.Executable{"main": {Path: "jobs/job-1/bin/run.sh"}},
	}

	args, err := buildSpawnArgs(lab, job, "job-1", newTestTarget(t), SubmitOptions{})
	require.NoError(t, err)

	assert.Equal(t, "internal-execute", args[0])
	assert.Contains(t, args, "--runtime")
	assert.Contains(t, args, "native")
	assert.NotContains(t, args, "--image-tag")
}

func TestBuildSpawnArgsScatterGatherGetsSlurmScheduler(t *testing.T) {
	lab := &model.Lab{
		Runs:             map[model.RunId]model.Run{"run1": {Jobs: []model.JobId{"job-1"}}},
		HostToolsDirName: "host-tools",
	}
	job := model.Job{
		StageType: model.StageScatterGather,
		Executables: map[string]model.Executable{
			"scatter": {Path: "jobs/job-1/bin/scatter"},
			"gather":  {Path: "jobs/job-1/bin/gather"},
			"step-only": {
				Path:    "jobs/job-1/bin/step",
				Outputs: map[string]string{"out": "$out/out.json"},
			},
		},
	}

	args, err := buildSpawnArgs(lab, job, "job-1", newTestTarget(t), SubmitOptions{StepSbatchOpts: "--partition=gpu"})
	require.NoError(t, err)

	assert.Equal(t, "internal-scatter-gather", args[0])
	assert.Contains(t, args, "--scheduler")
	assert.Contains(t, args, "slurm")
	assert.Contains(t, args, "--step-sbatch-opts")
	assert.Contains(t, args, "--partition=gpu")
}

func TestBuildSpawnArgsWorkerResourcesReachStepSbatchOpts(t *testing.T) {
	lab := &model.Lab{
		Runs:             map[model.RunId]model.Run{"run1": {Jobs: []model.JobId{"job-1"}}},
		HostToolsDirName: "host-tools",
	}
	job := model.Job{
		StageType: model.StageScatterGather,
		Executables: map[string]model.Executable{
			"scatter": {Path: "jobs/job-1/bin/scatter"},
			"gather":  {Path: "jobs/job-1/bin/gather"},
			"step-only": {
				Path:    "jobs/job-1/bin/step",
				Outputs: map[string]string{"out": "$out/out.json"},
			},
		},
	}

	mem := "2G"
	cpus := uint32(4)
	res := &resources.Resources{
		Rules: []resources.Rule{
			{WorkerResources: &resources.Rule{Mem: &mem, CpusPerTask: &cpus}},
		},
	}

	args, err := buildSpawnArgs(lab, job, "job-1", newTestTarget(t), SubmitOptions{Resources: res})
	require.NoError(t, err)

	idx := -1
	for i, a := range args {
		if a == "--step-sbatch-opts" {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Less(t, idx+1, len(args))
	assert.Equal(t, "--cpus-per-task=4 --mem=2G", args[idx+1])
}

func TestBuildSpawnArgsMissingEntrypoint(t *testing.T) {
	lab := &model.Lab{Runs: map[model.RunId]model.Run{}}
	job := model.Job{StageType: model.StageSimple, Executables: map[string]model.Executable{}}

	_, err := buildSpawnArgs(lab, job, "job-1", newTestTarget(t), SubmitOptions{})
	assert.Error(t, err)
}

func TestResolveImageTagStripsExtension(t *testing.T) {
	img := "envs/py311.tar"
	lab := &model.Lab{Runs: map[model.RunId]model.Run{
		"run1": {Image: &img, Jobs: []model.JobId{"a"}},
	}}
	assert.Equal(t, "py311", resolveImageTag(lab, "a"))
	assert.Equal(t, "", resolveImageTag(lab, "unknown"))
}
