package submission

import (
	"strings"
	"testing"

	"github.com/repx-org/repx/internal/model"
	"github.com/repx-org/repx/internal/repxerr"
	"github.com/repx-org/repx/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobID(id string) *model.JobId {
	j := model.JobId(id)
	return &j
}

// diamondLab builds A, B<-A, C<-A, D<-B,C in one run.
func diamondLab() *model.Lab {
	dep := func(ids ...string) []model.InputMapping {
		var out []model.InputMapping
		for _, id := range ids {
			out = append(out, model.InputMapping{JobID: jobID(id), TargetInput: "in_" + id})
		}
		return out
	}
	simple := func(inputs []model.InputMapping) model.Job {
		return model.Job{
			StageType:   model.StageSimple,
			Executables: map[string]model.Executable{"main": {Path: "bin/run.sh", Inputs: inputs}},
		}
	}
	return &model.Lab{
		ContentHash: "labhash",
		Runs: map[model.RunId]model.Run{
			"exp1": {Jobs: []model.JobId{"hash-a", "hash-b", "hash-c", "hash-d"}},
		},
		Jobs: map[model.JobId]model.Job{
			"hash-a": simple(nil),
			"hash-b": simple(dep("hash-a")),
			"hash-c": simple(dep("hash-a")),
			"hash-d": simple(dep("hash-b", "hash-c")),
		},
		Groups: map[string][]model.RunId{"everything": {"exp1"}},
	}
}

func TestResolveSpecifiersRunResolvesToFinalJob(t *testing.T) {
	lab := diamondLab()

	finals, err := ResolveSpecifiers(lab, []string{"exp1"})
	require.NoError(t, err)
	assert.Equal(t, []model.JobId{"hash-d"}, finals)
}

func TestResolveSpecifiersGroup(t *testing.T) {
	lab := diamondLab()

	finals, err := ResolveSpecifiers(lab, []string{"@everything"})
	require.NoError(t, err)
	assert.Equal(t, []model.JobId{"hash-d"}, finals)

	_, err = ResolveSpecifiers(lab, []string{"@nope"})
	var unknownGroup *repxerr.UnknownGroup
	require.ErrorAs(t, err, &unknownGroup)
	assert.Equal(t, []string{"everything"}, unknownGroup.Available)

	_, err = ResolveSpecifiers(lab, []string{"@"})
	assert.Error(t, err)
}

func TestResolveSpecifiersJobPrefix(t *testing.T) {
	lab := diamondLab()

	finals, err := ResolveSpecifiers(lab, []string{"hash-b"})
	require.NoError(t, err)
	assert.Equal(t, []model.JobId{"hash-b"}, finals)

	// "hash-" matches all four jobs.
	_, err = ResolveSpecifiers(lab, []string{"hash-"})
	var ambiguous *repxerr.AmbiguousJobId
	require.ErrorAs(t, err, &ambiguous)
	assert.Len(t, ambiguous.Matches, 4)

	_, err = ResolveSpecifiers(lab, []string{"zzz"})
	assert.Error(t, err)
}

func TestResolveSpecifiersAmbiguousRun(t *testing.T) {
	lab := diamondLab()
	// Two independent roots make the run ambiguous.
	lab.Runs["loose"] = model.Run{Jobs: []model.JobId{"hash-b", "hash-c"}}

	_, err := ResolveSpecifiers(lab, []string{"loose"})
	var ambiguous *repxerr.AmbiguousRun
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"hash-b", "hash-c"}, ambiguous.Matches)
}

func TestBuildClosureDependenciesFirst(t *testing.T) {
	lab := diamondLab()

	jobs, order := BuildClosure(lab, []model.JobId{"hash-d"})
	assert.Len(t, jobs, 4)
	require.Len(t, order, 4)

	index := make(map[model.JobId]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	assert.Less(t, index["hash-a"], index["hash-b"])
	assert.Less(t, index["hash-a"], index["hash-c"])
	assert.Less(t, index["hash-b"], index["hash-d"])
	assert.Less(t, index["hash-c"], index["hash-d"])
}

func TestBuildClosureDeduplicatesAcrossFinals(t *testing.T) {
	lab := diamondLab()

	jobs, order := BuildClosure(lab, []model.JobId{"hash-b", "hash-c"})
	assert.Len(t, jobs, 3) // a, b, c - a only once
	assert.Len(t, order, 3)
}

func TestProjectIDStableAndShaped(t *testing.T) {
	dir := t.TempDir()

	first := ProjectID(dir)
	second := ProjectID(dir)
	assert.Equal(t, first, second)

	// The origin part may itself contain "_" (the "no_git"/"no_remote"
	// sentinels), so the path hash is whatever follows the last "_".
	sep := strings.LastIndex(first, "_")
	require.Greater(t, sep, 0)
	assert.Len(t, first[sep+1:], 64) // hex sha256 of the absolute path

	other := ProjectID(t.TempDir())
	assert.NotEqual(t, first, other)
}

func TestFilterSucceededDropsOnlySucceeded(t *testing.T) {
	lab := diamondLab()
	jobs, _ := BuildClosure(lab, []model.JobId{"hash-d"})

	found := map[model.JobId]status.JobStatus{
		"hash-a": {Kind: status.Succeeded, Location: "local"},
	}
	surviving := FilterSucceeded(lab, jobs, found)

	assert.NotContains(t, surviving, model.JobId("hash-a"))
	assert.Contains(t, surviving, model.JobId("hash-b"))
	assert.Contains(t, surviving, model.JobId("hash-c"))
	assert.Contains(t, surviving, model.JobId("hash-d"))
}
