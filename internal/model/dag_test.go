package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalOrderStepsDepsBeforeDependents(t *testing.T) {
	steps := map[string]Executable{
		"fetch":   {},
		"clean":   {Deps: []string{"fetch"}},
		"train":   {Deps: []string{"clean"}},
		"eval":    {Deps: []string{"train", "clean"}},
		"summary": {Deps: []string{"eval"}},
	}

	order, err := TopologicalOrderSteps(steps)
	require.NoError(t, err)
	require.Len(t, order, 5)

	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i
	}
	for name, exe := range steps {
		for _, dep := range exe.Deps {
			assert.Less(t, index[dep], index[name], "%s must come before %s", dep, name)
		}
	}
}

func TestTopologicalOrderStepsDeterministicTieBreak(t *testing.T) {
	steps := map[string]Executable{
		"zeta":  {},
		"alpha": {},
		"mid":   {},
	}
	for i := 0; i < 10; i++ {
		order, err := TopologicalOrderSteps(steps)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, order)
	}
}

func TestTopologicalOrderStepsCycle(t *testing.T) {
	steps := map[string]Executable{
		"a": {Deps: []string{"b"}},
		"b": {Deps: []string{"a"}},
	}
	_, err := TopologicalOrderSteps(steps)
	assert.ErrorContains(t, err, "cycle")
}

func TestTopologicalOrderStepsUnknownDep(t *testing.T) {
	steps := map[string]Executable{
		"a": {Deps: []string{"ghost"}},
	}
	_, err := TopologicalOrderSteps(steps)
	assert.ErrorContains(t, err, "ghost")
}

func TestSinkStep(t *testing.T) {
	steps := map[string]Executable{
		"fetch": {},
		"train": {Deps: []string{"fetch"}},
	}
	sink, err := SinkStep(steps)
	require.NoError(t, err)
	assert.Equal(t, "train", sink)

	_, err = SinkStep(map[string]Executable{"a": {}, "b": {}})
	assert.Error(t, err)
}

func TestDetectCycleCleanAndCyclic(t *testing.T) {
	jid := func(id string) *JobId {
		j := JobId(id)
		return &j
	}
	dep := func(id string) []InputMapping {
		return []InputMapping{{JobID: jid(id), TargetInput: "in"}}
	}

	lab := &Lab{Jobs: map[JobId]Job{
		"a": {Executables: map[string]Executable{"main": {}}},
		"b": {Executables: map[string]Executable{"main": {Inputs: dep("a")}}},
	}}
	assert.Nil(t, lab.DetectCycle([]JobId{"a", "b"}))

	cyclic := &Lab{Jobs: map[JobId]Job{
		"a": {Executables: map[string]Executable{"main": {Inputs: dep("b")}}},
		"b": {Executables: map[string]Executable{"main": {Inputs: dep("a")}}},
	}}
	remainder := cyclic.DetectCycle([]JobId{"a", "b"})
	assert.ElementsMatch(t, []JobId{"a", "b"}, remainder)
}

func TestTopologicalOrderJobsIgnoresOutOfBatchDeps(t *testing.T) {
	jid := func(id string) *JobId {
		j := JobId(id)
		return &j
	}
	jobs := map[JobId]Job{
		"b": {Executables: map[string]Executable{"main": {Inputs: []InputMapping{{JobID: jid("external"), TargetInput: "x"}}}}},
		"c": {Executables: map[string]Executable{"main": {Inputs: []InputMapping{{JobID: jid("b"), TargetInput: "y"}}}}},
	}

	order, err := TopologicalOrderJobs(jobs)
	require.NoError(t, err)
	assert.Equal(t, []JobId{"b", "c"}, order)
}

func TestShortId(t *testing.T) {
	assert.Equal(t, "0123456-train", JobId("0123456789abcdef-train").ShortId())
	assert.Equal(t, "abc-train", JobId("abc-train").ShortId())
	assert.Equal(t, "plainid", JobId("plainid").ShortId())

	// Prefix-preserving: equal ids always shorten identically.
	a := JobId("0123456789abcdef-train")
	assert.Equal(t, a.ShortId(), a.ShortId())
}

func TestParseRunIdRejectsReservedNames(t *testing.T) {
	for _, reserved := range []string{"missing", "pending"} {
		_, err := ParseRunId(reserved)
		assert.Error(t, err)
	}
	id, err := ParseRunId("exp1")
	require.NoError(t, err)
	assert.Equal(t, RunId("exp1"), id)
}
