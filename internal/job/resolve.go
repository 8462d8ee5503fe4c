package job

import (
	"fmt"
	"math"
	"time"

	"github.com/mattjoyce/stepd/internal/environ"
	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/protocol"
)

// FromLaunch resolves a launch request into a validated record.
func FromLaunch(req *protocol.LaunchTasksRequest) (*Record, error) {
	if req == nil {
		return nil, invalid("nil launch request")
	}
	if len(req.Tasks) == 0 {
		return nil, invalid("task list is empty")
	}
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, invalid("argv is empty")
	}
	rec, err := fromHeader(KindLaunch, req.StepID, &req.StepHeader)
	if err != nil {
		return nil, err
	}
	rec.Argv = append([]string(nil), req.Argv...)
	for i, td := range req.Tasks {
		t, err := newTask(i, td)
		if err != nil {
			return nil, err
		}
		rec.Tasks = append(rec.Tasks, t)
	}
	if err := validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FromSpawn resolves a spawn request. A spawn always carries exactly one task.
func FromSpawn(req *protocol.SpawnTaskRequest) (*Record, error) {
	if req == nil {
		return nil, invalid("nil spawn request")
	}
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, invalid("argv is empty")
	}
	rec, err := fromHeader(KindSpawn, req.StepID, &req.StepHeader)
	if err != nil {
		return nil, err
	}
	rec.Argv = append([]string(nil), req.Argv...)
	t, err := newTask(0, req.Task)
	if err != nil {
		return nil, err
	}
	rec.Tasks = []*Task{t}
	if err := validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FromBatch resolves a batch request. The script becomes the single task of
// rank 0; Argv is completed by the dispatcher once the script is on disk.
func FromBatch(req *protocol.BatchJobLaunchRequest) (*Record, error) {
	if req == nil {
		return nil, invalid("nil batch request")
	}
	if req.Script == "" {
		return nil, invalid("batch script is empty")
	}
	rec, err := fromHeader(KindBatch, BatchStepID, &req.StepHeader)
	if err != nil {
		return nil, err
	}
	rec.BatchScript = req.Script
	rec.Argv = append([]string{""}, req.Args...)
	rec.Tasks = []*Task{{GID: 0, LocalID: 0, Env: &environ.List{}}}
	if rec.NodeID != 0 {
		return nil, invalid("batch script must run on node 0, got node %d", rec.NodeID)
	}
	if err := validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func fromHeader(kind Kind, stepID uint32, h *protocol.StepHeader) (*Record, error) {
	if h.JobID == 0 {
		return nil, invalid("job id is zero")
	}
	if kind != KindBatch && stepID == BatchStepID {
		return nil, invalid("step id %d is reserved for batch scripts", stepID)
	}
	if h.TimeLimit < 0 {
		return nil, invalid("negative time limit %d", h.TimeLimit)
	}
	if int64(h.TimeLimit) > maxTimeLimit {
		return nil, invalid("time limit %d exceeds %d seconds", h.TimeLimit, maxTimeLimit)
	}
	env, err := environ.New(h.Env...)
	if err != nil {
		return nil, invalid("job environment: %v", err)
	}
	return &Record{
		JobID:     h.JobID,
		StepID:    stepID,
		Kind:      kind,
		NodeID:    h.NodeID,
		NodeCount: h.NodeCount,
		ProcCount: h.ProcCount,
		Env:       env,
		Cwd:       h.Cwd,
		Cred: Credentials{
			UID:  h.Credentials.UID,
			GID:  h.Credentials.GID,
			User: h.Credentials.User,
		},
		TimeLimit: time.Duration(h.TimeLimit) * time.Second,
		ReplyTo:   h.ReplyTo,
	}, nil
}

func newTask(local int, td protocol.TaskDescriptor) (*Task, error) {
	env, err := environ.New(td.Env...)
	if err != nil {
		return nil, invalid("task %d environment: %v", local, err)
	}
	return &Task{GID: td.GID, LocalID: local, Env: env}, nil
}

// validate checks the counts and ranks are mutually consistent.
func validate(r *Record) error {
	if r.NodeCount <= 0 {
		return invalid("node count must be positive, got %d", r.NodeCount)
	}
	if r.NodeID < 0 || r.NodeID >= r.NodeCount {
		return invalid("node id %d outside [0,%d)", r.NodeID, r.NodeCount)
	}
	if r.ProcCount < len(r.Tasks) {
		return invalid("process count %d smaller than local task count %d", r.ProcCount, len(r.Tasks))
	}
	if r.ProcCount < r.NodeCount && r.Kind != KindBatch {
		return invalid("process count %d smaller than node count %d", r.ProcCount, r.NodeCount)
	}
	seen := make(map[int]bool, len(r.Tasks))
	for _, t := range r.Tasks {
		if t.GID < 0 || t.GID >= r.ProcCount {
			return invalid("task gid %d outside [0,%d)", t.GID, r.ProcCount)
		}
		if seen[t.GID] {
			return invalid("duplicate task gid %d", t.GID)
		}
		seen[t.GID] = true
	}
	return nil
}

// maxTimeLimit is the largest time limit, in seconds, a time.Duration holds.
const maxTimeLimit = math.MaxInt64 / int64(time.Second)

func invalid(format string, args ...any) error {
	return fault.New(fault.Validation, "resolve request", fmt.Errorf(format, args...))
}
