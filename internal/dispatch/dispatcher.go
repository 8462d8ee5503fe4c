package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/events"
	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/handoff"
	"github.com/mattjoyce/stepd/internal/interconnect"
	"github.com/mattjoyce/stepd/internal/job"
	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/protocol"
	"github.com/mattjoyce/stepd/internal/script"
	"github.com/mattjoyce/stepd/internal/taskenv"
	"github.com/mattjoyce/stepd/internal/taskexec"
)

// Options wires a Dispatcher to its collaborators.
type Options struct {
	Config   *config.Config
	Adapter  interconnect.Adapter
	Scripts  ScriptRunner
	Launcher Launcher
	// Reporter may be nil.
	Reporter Reporter
	// Hub may be nil.
	Hub *events.Hub
}

// Dispatcher runs steps. One Dispatcher serves every step on the node; steps
// share only immutable config, the adapter, the hub and the reporter.
type Dispatcher struct {
	cfg      *config.Config
	adapter  interconnect.Adapter
	builder  *taskenv.Builder
	scripts  ScriptRunner
	launcher Launcher
	reporter Reporter
	hub      *events.Hub
	handoff  []byte
	logger   *slog.Logger

	mu   sync.Mutex
	live map[string]*protocol.StepReport
}

// New creates a Dispatcher. The reduced config handed to every task is packed
// once here.
func New(opts Options) (*Dispatcher, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("dispatcher needs a config")
	}
	if opts.Scripts == nil || opts.Launcher == nil {
		return nil, fmt.Errorf("dispatcher needs a script runner and a launcher")
	}
	adapter := opts.Adapter
	if adapter == nil {
		adapter = interconnect.None{}
	}
	buf, err := handoff.PackReduced(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("pack handoff config: %w", err)
	}
	return &Dispatcher{
		cfg:      opts.Config,
		adapter:  adapter,
		builder:  taskenv.NewBuilder(adapter),
		scripts:  opts.Scripts,
		launcher: opts.Launcher,
		reporter: opts.Reporter,
		hub:      opts.Hub,
		handoff:  buf,
		logger:   log.WithComponent("dispatch"),
		live:     make(map[string]*protocol.StepReport),
	}, nil
}

type instanceKey struct{}

// WithInstanceID makes the next step run under ctx use id as its instance id.
// Callers that answer before the step finishes use it to hand out the id.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceKey{}, id)
}

// InstanceIDFrom returns the instance id set by WithInstanceID, if any.
func InstanceIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(instanceKey{}).(string)
	return id, ok && id != ""
}

// NewInstanceID returns a fresh step instance id.
func NewInstanceID() string {
	return uuid.NewString()
}

// LaunchTasks runs a fresh multi-task step.
func (d *Dispatcher) LaunchTasks(ctx context.Context, req *protocol.LaunchTasksRequest) *protocol.StepReport {
	var (
		h      *protocol.StepHeader
		stepID uint32
	)
	if req != nil {
		h, stepID = &req.StepHeader, req.StepID
	}
	s := d.newStep(ctx, job.KindLaunch, h, stepID)
	rec, err := job.FromLaunch(req)
	return d.execute(ctx, s, rec, err)
}

// SpawnTask runs a single spawned task.
func (d *Dispatcher) SpawnTask(ctx context.Context, req *protocol.SpawnTaskRequest) *protocol.StepReport {
	var (
		h      *protocol.StepHeader
		stepID uint32
	)
	if req != nil {
		h, stepID = &req.StepHeader, req.StepID
	}
	s := d.newStep(ctx, job.KindSpawn, h, stepID)
	rec, err := job.FromSpawn(req)
	return d.execute(ctx, s, rec, err)
}

// LaunchBatchJob runs a batch script as the single task of the job's batch step.
func (d *Dispatcher) LaunchBatchJob(ctx context.Context, req *protocol.BatchJobLaunchRequest) *protocol.StepReport {
	var h *protocol.StepHeader
	if req != nil {
		h = &req.StepHeader
	}
	s := d.newStep(ctx, job.KindBatch, h, job.BatchStepID)
	rec, err := job.FromBatch(req)
	return d.execute(ctx, s, rec, err)
}

// Live returns a snapshot of an unfinished step.
func (d *Dispatcher) Live(id string) (protocol.StepReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rep, ok := d.live[id]
	if !ok {
		return protocol.StepReport{}, false
	}
	return *rep, true
}

// LiveSteps returns snapshots of every unfinished step, oldest first.
func (d *Dispatcher) LiveSteps() []protocol.StepReport {
	d.mu.Lock()
	out := make([]protocol.StepReport, 0, len(d.live))
	for _, rep := range d.live {
		out = append(out, *rep)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// step is the dispatcher's private view of one running step.
type step struct {
	id     string
	state  State
	rec    *job.Record
	report *protocol.StepReport
	logger *slog.Logger
}

func (d *Dispatcher) newStep(ctx context.Context, kind job.Kind, h *protocol.StepHeader, stepID uint32) *step {
	id, ok := InstanceIDFrom(ctx)
	if !ok {
		id = NewInstanceID()
	}
	rep := &protocol.StepReport{
		ID:        id,
		StepID:    stepID,
		Kind:      string(kind),
		State:     string(StateReceived),
		StartedAt: time.Now().UTC(),
	}
	if h != nil {
		rep.JobID = h.JobID
		rep.NodeID = h.NodeID
		rep.ReplyTo = h.ReplyTo
	}

	d.mu.Lock()
	d.live[id] = rep
	d.mu.Unlock()

	return &step{
		id:     id,
		state:  StateReceived,
		report: rep,
		logger: log.WithStep(rep.JobID, stepID).With("instance", id, "kind", kind),
	}
}

func (d *Dispatcher) transition(s *step, to State, detail string) {
	from := s.state
	if !CanTransition(from, to) {
		s.logger.Error("invalid step transition", "from", from, "to", to)
	}
	s.state = to

	d.mu.Lock()
	s.report.State = string(to)
	d.mu.Unlock()

	s.logger.Debug("step transition", "from", from, "to", to, "detail", detail)
	d.hub.Publish(events.TypeTransition, events.Transition{
		Instance: s.id,
		JobID:    s.report.JobID,
		StepID:   s.report.StepID,
		From:     string(from),
		To:       string(to),
		Detail:   detail,
	})
}

func (d *Dispatcher) execute(ctx context.Context, s *step, rec *job.Record, resolveErr error) *protocol.StepReport {
	cleanup := context.WithoutCancel(ctx)
	if resolveErr != nil {
		s.logger.Warn("step request rejected", "error", resolveErr)
		return d.finish(cleanup, s, resolveErr)
	}
	if err := seedJobEnv(rec); err != nil {
		return d.finish(cleanup, s, err)
	}
	rec.Instance = s.id
	s.rec = rec
	d.transition(s, StateValidated, rec.String())

	d.transition(s, StateInterconnectInit, "")
	if err := d.adapter.Init(ctx, rec); err != nil {
		failure := fault.New(fault.Interconnect, "interconnect init", err)
		d.transition(s, StateInterconnectFini, "")
		d.fini(cleanup, s)
		return d.finish(cleanup, s, failure)
	}

	failure := d.runStep(ctx, s)

	d.transition(s, StateEpilogRun, "")
	if _, err := d.scripts.Run(cleanup, d.descriptor(s, "epilog", d.cfg.Scripts.Epilog, d.cfg.Scripts.EpilogTimeout)); err != nil {
		s.logger.Warn("epilog failed", "error", err)
		d.mu.Lock()
		s.report.EpilogError = err.Error()
		d.mu.Unlock()
	}

	d.transition(s, StateInterconnectFini, "")
	d.fini(cleanup, s)
	if rec.Kind == job.KindBatch {
		d.removeBatchScript(s)
	}
	return d.finish(cleanup, s, failure)
}

// runStep covers prolog, launch and the running phase. The returned error is
// the step's failure, if any.
func (d *Dispatcher) runStep(ctx context.Context, s *step) error {
	d.transition(s, StatePrologRun, "")
	if _, err := d.scripts.Run(ctx, d.descriptor(s, "prolog", d.cfg.Scripts.Prolog, d.cfg.Scripts.PrologTimeout)); err != nil {
		s.logger.Error("prolog failed", "error", err)
		return err
	}

	d.transition(s, StateLaunching, "")
	procs, err := d.launchTasks(ctx, s)
	if err != nil {
		return err
	}

	d.transition(s, StateRunning, fmt.Sprintf("%d tasks", len(procs)))
	return d.waitTasks(ctx, s, procs)
}

func (d *Dispatcher) descriptor(s *step, name, path string, maxWait time.Duration) script.Descriptor {
	return script.Descriptor{
		Name:    name,
		Path:    path,
		JobID:   s.rec.JobID,
		UID:     s.rec.Cred.UID,
		GID:     s.rec.Cred.GID,
		MaxWait: maxWait,
	}
}

// taskError attributes a failure to one task.
type taskError struct {
	gid int
	err error
}

func (e *taskError) Error() string { return fmt.Sprintf("task %d: %v", e.gid, e.err) }
func (e *taskError) Unwrap() error { return e.err }

func (d *Dispatcher) launchTasks(ctx context.Context, s *step) ([]taskexec.Process, error) {
	rec := s.rec
	if rec.Kind == job.KindBatch {
		if err := d.writeBatchScript(s); err != nil {
			return nil, err
		}
	}
	outDir, err := d.jobSpoolDir(rec)
	if err != nil {
		return nil, err
	}

	procs := make([]taskexec.Process, 0, len(rec.Tasks))
	for i, task := range rec.Tasks {
		op := fmt.Sprintf("task %d", task.GID)
		// No fork after cancellation; already started tasks are reaped first.
		if err := ctx.Err(); err != nil {
			s.logger.Warn("step canceled while launching", "started", len(procs))
			d.killAll(s, procs)
			return nil, fault.New(fault.Canceled, "launching", err)
		}
		if err := d.adapter.Attach(ctx, rec, i); err != nil {
			d.killAll(s, procs)
			return nil, &taskError{gid: task.GID, err: fault.New(fault.Interconnect, "attach "+op, err)}
		}
		env, err := d.builder.Build(rec, i)
		if err != nil {
			d.killAll(s, procs)
			return nil, &taskError{gid: task.GID, err: err}
		}
		p, err := d.launcher.Start(ctx, taskexec.TaskSpec{
			Op:      op,
			Argv:    rec.Argv,
			Env:     env.Slice(),
			Cwd:     rec.Cwd,
			Cred:    rec.Cred,
			Handoff: d.handoff,
			Output:  taskOutputPath(outDir, rec, task.GID),
		})
		if err != nil {
			if fault.KindOf(err) == fault.None {
				err = fault.New(fault.Spawn, op, err)
			}
			d.killAll(s, procs)
			return nil, &taskError{gid: task.GID, err: err}
		}
		s.logger.Info("task started", "gid", task.GID, "pid", p.Pid())
		procs = append(procs, p)
	}
	return procs, nil
}

// killAll kills and reaps every started task.
func (d *Dispatcher) killAll(s *step, procs []taskexec.Process) {
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			s.logger.Warn("kill task failed", "pid", p.Pid(), "error", err)
		}
	}
	for _, p := range procs {
		_, _ = p.Wait()
	}
	if len(procs) > 0 {
		s.logger.Info("killed started tasks", "count", len(procs))
	}
}

type taskResult struct {
	index  int
	status int
	err    error
}

func (d *Dispatcher) waitTasks(ctx context.Context, s *step, procs []taskexec.Process) error {
	results := make(chan taskResult, len(procs))
	for i, p := range procs {
		i, p := i, p
		go func() {
			status, err := p.Wait()
			results <- taskResult{index: i, status: status, err: err}
		}()
	}

	var limit <-chan time.Time
	if s.rec.TimeLimit > 0 {
		timer := time.NewTimer(s.rec.TimeLimit)
		defer timer.Stop()
		limit = timer.C
	}
	done := ctx.Done()

	var failure error
	kill := func(cause error) {
		if failure == nil {
			failure = cause
		}
		for _, p := range procs {
			_ = p.Kill()
		}
	}

	for remaining := len(procs); remaining > 0; {
		select {
		case r := <-results:
			remaining--
			gid := s.rec.Tasks[r.index].GID
			s.logger.Info("task exited", "gid", gid, "status", r.status)
			if failure != nil {
				continue
			}
			switch {
			case r.err != nil:
				failure = &taskError{gid: gid, err: fault.New(fault.Spawn, "wait", r.err)}
			case r.status != 0:
				failure = &taskError{gid: gid, err: fault.Exit(fmt.Sprintf("task %d", gid), r.status, nil)}
			}
		case <-limit:
			limit = nil
			s.logger.Warn("step time limit reached, killing tasks", "limit", s.rec.TimeLimit)
			kill(fault.Newf(fault.Timeout, "running", "time limit %s reached", s.rec.TimeLimit))
		case <-done:
			done = nil
			s.logger.Warn("step canceled, killing tasks")
			kill(fault.New(fault.Canceled, "running", ctx.Err()))
		}
	}
	return failure
}

func (d *Dispatcher) fini(ctx context.Context, s *step) {
	if err := d.adapter.Fini(ctx, s.rec); err != nil {
		s.logger.Warn("interconnect fini failed", "error", err)
	}
}

// finish stamps the terminal state, delivers the report and forgets the live
// entry.
func (d *Dispatcher) finish(ctx context.Context, s *step, failure error) *protocol.StepReport {
	rep := s.report
	to := StateCompleted

	d.mu.Lock()
	if failure != nil {
		to = StateFailed
		kind := fault.KindOf(failure)
		if kind == fault.None {
			kind = fault.Spawn
		}
		rep.FailureKind = string(kind)
		rep.Detail = failure.Error()
		rep.ExitStatus = fault.StatusOf(failure)
		var te *taskError
		if errors.As(failure, &te) {
			gid := te.gid
			rep.TaskGID = &gid
		}
	}
	rep.CompletedAt = time.Now().UTC()
	d.mu.Unlock()

	d.transition(s, to, rep.FailureKind)
	if failure != nil {
		s.logger.Error("step failed", "failure_kind", rep.FailureKind, "detail", rep.Detail)
	} else {
		s.logger.Info("step completed", "elapsed", rep.CompletedAt.Sub(rep.StartedAt))
	}

	d.hub.Publish(events.TypeCompleted, rep)
	if d.reporter != nil {
		if err := d.reporter.Report(ctx, rep); err != nil {
			s.logger.Warn("report delivery failed", "error", err)
		}
	}

	d.mu.Lock()
	delete(d.live, s.id)
	d.mu.Unlock()
	return rep
}

// seedJobEnv adds the job identity variables to the step's base environment.
func seedJobEnv(rec *job.Record) error {
	if err := rec.Env.Setf("SLURM_JOBID", "%d", rec.JobID); err != nil {
		return fault.New(fault.Environment, "job environment", err)
	}
	if rec.Kind != job.KindBatch {
		if err := rec.Env.Setf("SLURM_STEPID", "%d", rec.StepID); err != nil {
			return fault.New(fault.Environment, "job environment", err)
		}
	}
	return nil
}
