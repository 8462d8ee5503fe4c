// Package job holds the per-step Job Record a dispatcher owns while it drives
// a step, and resolves inbound requests into validated records.
package job

import (
	"fmt"
	"time"

	"github.com/mattjoyce/stepd/internal/environ"
)

// Kind is the entry variant of a step.
type Kind string

const (
	KindBatch  Kind = "batch"
	KindLaunch Kind = "launch"
	KindSpawn  Kind = "spawn"
)

// BatchStepID is the step id given to batch scripts, which run outside any
// scheduler-created step.
const BatchStepID uint32 = 0xfffffffe

// Credentials is the identity tasks and user-scoped scripts run as.
type Credentials struct {
	UID  uint32
	GID  uint32
	User string
}

// Task is one task of a step.
type Task struct {
	GID     int // global rank across the job
	LocalID int // index on this node
	Env     *environ.List
}

// Record is everything a dispatcher needs to run one step. It is owned by a
// single dispatcher call and never shared between steps.
type Record struct {
	// Instance identifies the dispatcher call that owns the record. A spawn
	// shares JobID and StepID with the launch it joins; Instance tells them
	// apart.
	Instance  string
	JobID     uint32
	StepID    uint32
	Kind      Kind
	NodeID    int
	NodeCount int
	ProcCount int
	Tasks     []*Task
	Env       *environ.List
	Cwd       string
	Argv      []string
	Cred      Credentials
	TimeLimit time.Duration
	ReplyTo   string

	// BatchScript is the script body for KindBatch steps.
	BatchScript string
}

func (r *Record) String() string {
	if r.StepID == BatchStepID {
		return fmt.Sprintf("%d.batch", r.JobID)
	}
	return fmt.Sprintf("%d.%d", r.JobID, r.StepID)
}

// Task returns the task at index i.
func (r *Record) Task(i int) (*Task, error) {
	if i < 0 || i >= len(r.Tasks) {
		return nil, fmt.Errorf("task index %d out of range [0,%d)", i, len(r.Tasks))
	}
	return r.Tasks[i], nil
}
