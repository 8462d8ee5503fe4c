package protocol

import "time"

// Version is the only request envelope version this daemon accepts.
const Version = 1

// Credentials identifies the user a step runs as.
type Credentials struct {
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	User string `json:"user,omitempty"`
}

// TaskDescriptor describes one task of a step.
type TaskDescriptor struct {
	GID int      `json:"gid"`           // global rank within the job
	Env []string `json:"env,omitempty"` // NAME=value overrides, applied in order
}

// StepHeader carries the fields every launch request shares.
type StepHeader struct {
	Protocol    int         `json:"protocol"`
	JobID       uint32      `json:"job_id"`
	NodeID      int         `json:"node_id"`
	NodeCount   int         `json:"node_count"`
	ProcCount   int         `json:"proc_count"`
	Env         []string    `json:"env,omitempty"`
	Cwd         string      `json:"cwd,omitempty"`
	Credentials Credentials `json:"credentials"`
	// TimeLimit bounds the running phase in seconds; 0 means unbounded.
	TimeLimit int `json:"time_limit,omitempty"`
	// ReplyTo is the URL the terminal report is posted to.
	ReplyTo string `json:"reply_to,omitempty"`
}

// LaunchTasksRequest starts a fresh multi-task step.
type LaunchTasksRequest struct {
	StepHeader
	StepID uint32           `json:"step_id"`
	Argv   []string         `json:"argv"`
	Tasks  []TaskDescriptor `json:"tasks"`
}

// SpawnTaskRequest adds a single task to an existing step.
type SpawnTaskRequest struct {
	StepHeader
	StepID uint32         `json:"step_id"`
	Argv   []string       `json:"argv"`
	Task   TaskDescriptor `json:"task"`
}

// BatchJobLaunchRequest runs a batch script under a job with no prior step.
type BatchJobLaunchRequest struct {
	StepHeader
	Script string   `json:"script"`
	Args   []string `json:"args,omitempty"`
}

// StepReport is the terminal status sent back to the requester.
type StepReport struct {
	ID          string    `json:"id"`
	JobID       uint32    `json:"job_id"`
	StepID      uint32    `json:"step_id"`
	Kind        string    `json:"kind"` // batch | launch | spawn
	NodeID      int       `json:"node_id"`
	State       string    `json:"state"` // completed | failed
	FailureKind string    `json:"failure_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ExitStatus  int       `json:"exit_status"`
	TaskGID     *int      `json:"task_gid,omitempty"`
	EpilogError string    `json:"epilog_error,omitempty"`
	ReplyTo     string    `json:"-"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded reports whether the step completed without a failure kind.
func (r *StepReport) Succeeded() bool {
	return r.State == "completed" && r.FailureKind == ""
}
