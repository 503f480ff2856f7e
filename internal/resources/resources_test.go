package resources

import (
	"testing"

	"github.com/repx-org/repx/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func u32Ptr(n uint32) *uint32 { return &n }

func TestParseMemToBytes(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"512", 512},
		{"1K", 1024},
		{"4M", 4 * 1024 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
		{"1T", 1024 * 1024 * 1024 * 1024},
		{"1g", 1024 * 1024 * 1024},
		{" 8M ", 8 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := ParseMemToBytes(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseMemToBytesInvalid(t *testing.T) {
	_, err := ParseMemToBytes("banana")
	assert.Error(t, err)

	_, err = ParseMemToBytes("")
	assert.Error(t, err)
}

func TestResolveForJobDefaultsThenHintsThenRules(t *testing.T) {
	res := &Resources{
		Defaults: Defaults{
			Partition: strPtr("default"),
			Mem:       strPtr("1G"),
		},
		Rules: []Rule{
			{
				JobIDGlob: strPtr("*-heavy-*"),
				Mem:       strPtr("128G"),
			},
		},
	}

	hints := &model.ResourceHints{
		Cpus: u32Ptr(4),
	}

	d := ResolveForJob(model.JobId("abc-heavy-123"), "local", res, hints)
	require.NotNil(t, d.Mem)
	assert.Equal(t, "128G", *d.Mem)
	require.NotNil(t, d.CpusPerTask)
	assert.Equal(t, uint32(4), *d.CpusPerTask)
	require.NotNil(t, d.Partition)
	assert.Equal(t, "default", *d.Partition)
}

func TestResolveForJobRuleTargetScoped(t *testing.T) {
	res := &Resources{
		Rules: []Rule{
			{
				Target: strPtr("cluster-a"),
				Mem:    strPtr("64G"),
			},
		},
	}

	d := ResolveForJob(model.JobId("any-job"), "cluster-b", res, nil)
	assert.Nil(t, d.Mem)

	d = ResolveForJob(model.JobId("any-job"), "cluster-a", res, nil)
	require.NotNil(t, d.Mem)
	assert.Equal(t, "64G", *d.Mem)
}

func TestResolveWorkerResourcesInheritsWithoutOverride(t *testing.T) {
	res := &Resources{
		Rules: []Rule{
			{Mem: strPtr("16G")},
		},
	}

	d := ResolveWorkerResources(model.JobId("orch"), "local", res, nil, nil)
	require.NotNil(t, d.Mem)
	assert.Equal(t, "16G", *d.Mem)
}

func TestResolveWorkerResourcesAppliesOverride(t *testing.T) {
	res := &Resources{
		Rules: []Rule{
			{
				Mem: strPtr("16G"),
				WorkerResources: &Rule{
					Mem: strPtr("2G"),
				},
			},
		},
	}

	d := ResolveWorkerResources(model.JobId("orch"), "local", res, nil, nil)
	require.NotNil(t, d.Mem)
	assert.Equal(t, "2G", *d.Mem)
}

func TestDirectivesToArgs(t *testing.T) {
	d := Directives{
		Partition:   strPtr("gpu"),
		CpusPerTask: u32Ptr(8),
		Mem:         strPtr("32G"),
		Time:        strPtr("02:00:00"),
		ExtraOpts:   []string{"--gres=gpu:1"},
	}
	args := d.ToArgs()
	assert.Equal(t, []string{
		"--partition=gpu",
		"--cpus-per-task=8",
		"--mem=32G",
		"--time=02:00:00",
		"--gres=gpu:1",
	}, args)
}
