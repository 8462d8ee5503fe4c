// Package taskenv assembles the environment each task is exec'd with.
package taskenv

import (
	"github.com/mattjoyce/stepd/internal/environ"
	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/interconnect"
	"github.com/mattjoyce/stepd/internal/job"
)

// Variables every task receives, set in this order.
const (
	VarNodeID    = "SLURM_NODEID"
	VarProcID    = "SLURM_PROCID"
	VarNodeCount = "SLURM_NNODES"
	VarProcCount = "SLURM_NPROCS"
)

// Builder derives task environments. It holds the fabric adapter so the
// adapter's variables are applied last.
type Builder struct {
	adapter interconnect.Adapter
}

func NewBuilder(adapter interconnect.Adapter) *Builder {
	if adapter == nil {
		adapter = interconnect.None{}
	}
	return &Builder{adapter: adapter}
}

// Build returns the environment for task taskIndex of j. The step's base
// environment is never modified. On failure no partial list is returned.
func (b *Builder) Build(j *job.Record, taskIndex int) (*environ.List, error) {
	op := "build environment"
	task, err := j.Task(taskIndex)
	if err != nil {
		return nil, fault.New(fault.Environment, op, err)
	}

	env := j.Env.Clone()
	if err := env.Merge(task.Env); err != nil {
		return nil, fault.New(fault.Environment, op, err)
	}

	for _, v := range []struct {
		name  string
		value int
	}{
		{VarNodeID, j.NodeID},
		{VarProcID, task.GID},
		{VarNodeCount, j.NodeCount},
		{VarProcCount, j.ProcCount},
	} {
		if err := env.Setf(v.name, "%d", v.value); err != nil {
			return nil, fault.New(fault.Environment, op, err)
		}
	}

	if err := b.adapter.Env(j, taskIndex, env); err != nil {
		return nil, fault.New(fault.Environment, "interconnect environment", err)
	}
	return env, nil
}
