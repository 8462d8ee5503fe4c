package taskenv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepd/internal/environ"
	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/interconnect"
	"github.com/mattjoyce/stepd/internal/job"
)

type envAdapter struct {
	interconnect.None
	set map[string]string
	err error
}

func (a envAdapter) Env(_ *job.Record, _ int, env *environ.List) error {
	if a.err != nil {
		return a.err
	}
	for k, v := range a.set {
		if err := env.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func mustList(t *testing.T, pairs ...string) *environ.List {
	t.Helper()
	l, err := environ.New(pairs...)
	require.NoError(t, err)
	return l
}

func record(t *testing.T) *job.Record {
	return &job.Record{
		JobID:     12,
		StepID:    3,
		Kind:      job.KindLaunch,
		NodeID:    1,
		NodeCount: 2,
		ProcCount: 4,
		Env:       mustList(t, "HOME=/home/u", "SLURM_PROCID=99", "PATH=/usr/bin"),
		Tasks: []*job.Task{
			{GID: 2, LocalID: 0, Env: mustList(t, "OMP_NUM_THREADS=4")},
			{GID: 3, LocalID: 1, Env: mustList(t, "HOME=/scratch/u")},
		},
	}
}

func TestBuildOrderAndReplace(t *testing.T) {
	j := record(t)
	b := NewBuilder(nil)

	env, err := b.Build(j, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"HOME=/home/u",
		"SLURM_PROCID=2",
		"PATH=/usr/bin",
		"OMP_NUM_THREADS=4",
		"SLURM_NODEID=1",
		"SLURM_NNODES=2",
		"SLURM_NPROCS=4",
	}, env.Slice())

	// The base environment is untouched.
	v, _ := j.Env.Get("SLURM_PROCID")
	assert.Equal(t, "99", v)
}

func TestBuildNoDuplicates(t *testing.T) {
	j := record(t)
	b := NewBuilder(envAdapter{set: map[string]string{"SLURM_NODEID": "7", "FABRIC": "on"}})

	env, err := b.Build(j, 1)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, kv := range env.Slice() {
		name, _, _ := strings.Cut(kv, "=")
		seen[name]++
	}
	for name, n := range seen {
		assert.Equal(t, 1, n, "variable %s appears %d times", name, n)
	}

	home, _ := env.Get("HOME")
	assert.Equal(t, "/scratch/u", home)
	node, _ := env.Get("SLURM_NODEID")
	assert.Equal(t, "7", node, "adapter variables are applied last")
	proc, _ := env.Get("SLURM_PROCID")
	assert.Equal(t, "3", proc)
}

func TestBuildFailures(t *testing.T) {
	j := record(t)

	_, err := NewBuilder(nil).Build(j, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.Environment))

	_, err = NewBuilder(envAdapter{err: errors.New("no fabric context")}).Build(j, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.Environment))
	assert.Contains(t, err.Error(), "no fabric context")
}

func TestBuildWithStaticFabric(t *testing.T) {
	j := record(t)
	fabric := interconnect.NewStatic(1, map[string]string{"FABRIC_DEV": "hfi1_0"})
	require.NoError(t, fabric.Init(context.Background(), j))

	env, err := NewBuilder(fabric).Build(j, 1)
	require.NoError(t, err)
	dev, ok := env.Get("FABRIC_DEV")
	assert.True(t, ok)
	assert.Equal(t, "hfi1_0", dev)
	_, ok = env.Get(interconnect.SlotVar)
	assert.True(t, ok)
}
