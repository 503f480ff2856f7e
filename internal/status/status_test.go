package status

import (
	"testing"

	"github.com/repx-org/repx/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobWithDeps(deps ...string) model.Job {
	var inputs []model.InputMapping
	for _, d := range deps {
		id := model.JobId(d)
		inputs = append(inputs, model.InputMapping{JobID: &id, TargetInput: "x"})
	}
	return model.Job{
		Executables: map[string]model.Executable{
			"main": {Path: "echo", Inputs: inputs},
		},
	}
}

func diamondLab() *model.Lab {
	return &model.Lab{
		Jobs: map[model.JobId]model.Job{
			"A": jobWithDeps("B", "C"),
			"B": jobWithDeps("D"),
			"C": jobWithDeps("D"),
			"D": jobWithDeps(),
		},
	}
}

func TestResolveJobStatusPendingWhenDepsSucceeded(t *testing.T) {
	lab := diamondLab()
	found := map[model.JobId]JobStatus{
		"D": {Kind: Succeeded, Location: "store/d"},
	}
	result := DetermineJobStatuses(lab, found)

	assert.Equal(t, Pending, result["B"].Kind)
	assert.Equal(t, Pending, result["C"].Kind)
	assert.Equal(t, Blocked, result["A"].Kind)
	require.Contains(t, result["A"].MissingDeps, model.JobId("B"))
	require.Contains(t, result["A"].MissingDeps, model.JobId("C"))
}

func TestResolveJobStatusAllSucceeded(t *testing.T) {
	lab := diamondLab()
	found := map[model.JobId]JobStatus{
		"D": {Kind: Succeeded},
		"B": {Kind: Succeeded},
		"C": {Kind: Succeeded},
	}
	result := DetermineJobStatuses(lab, found)
	assert.Equal(t, Pending, result["A"].Kind)
}

func TestDetermineRunAggregateStatusesPriority(t *testing.T) {
	lab := &model.Lab{
		Jobs: map[model.JobId]model.Job{"A": {}, "B": {}},
		Runs: map[model.RunId]model.Run{
			"run1": {Jobs: []model.JobId{"A", "B"}},
		},
	}

	statuses := map[model.JobId]JobStatus{
		"A": {Kind: Failed},
		"B": {Kind: Running},
	}
	agg := DetermineRunAggregateStatuses(lab, statuses)
	assert.Equal(t, Failed, agg["run1"].Kind)

	statuses = map[model.JobId]JobStatus{
		"A": {Kind: Succeeded},
		"B": {Kind: Succeeded},
	}
	agg = DetermineRunAggregateStatuses(lab, statuses)
	assert.Equal(t, Succeeded, agg["run1"].Kind)
}

func TestBuildDependencyClosureDiamondOrder(t *testing.T) {
	lab := diamondLab()
	sorted := lab.BuildDependencyClosure("A")

	pos := func(id model.JobId) int {
		for i, v := range sorted {
			if v == id {
				return i
			}
		}
		return -1
	}

	assert.Less(t, pos("D"), pos("B"))
	assert.Less(t, pos("D"), pos("C"))
	assert.Less(t, pos("B"), pos("A"))
	assert.Less(t, pos("C"), pos("A"))
}
