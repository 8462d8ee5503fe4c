package taskexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/handoff"
	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/script"
)

// Exit statuses of the trampoline when the task never ran.
const (
	ExitDecode   = 126
	ExitNotFound = 127
	ExitSetup    = 125
)

// prioVar carries the submitting shell's nice value.
const prioVar = "SLURM_PRIO_PROCESS"

// Trampoline is the child half of a helper launch. It runs inside the task's
// identity and process group, before the task itself exists.
type Trampoline struct {
	// Handoff is where the packed config arrives, normally fd 3.
	Handoff io.Reader
	// Exec replaces the current process. Swapped in tests.
	Exec func(argv0 string, argv, env []string) error
}

// NewTrampoline reads the handoff from the inherited descriptor.
func NewTrampoline() *Trampoline {
	return &Trampoline{
		Handoff: os.NewFile(HandoffFD, "handoff"),
		Exec:    syscall.Exec,
	}
}

// Run prepares the process and starts argv. It returns only on failure or,
// when a task epilog is configured, after the task and its epilog finished.
// The returned status is the process exit status to use.
func (t *Trampoline) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return ExitSetup, fault.Newf(fault.Spawn, "step-exec", "no task command")
	}

	buf, err := io.ReadAll(io.LimitReader(t.Handoff, 2<<20))
	if c, ok := t.Handoff.(io.Closer); ok {
		_ = c.Close()
	}
	if err != nil {
		return ExitDecode, fault.New(fault.Decode, "read handoff", err)
	}
	cfg, err := handoff.UnpackReduced(buf)
	if err != nil {
		return ExitDecode, err
	}

	if err := log.Configure(log.Options{Level: cfg.LogLevel, File: cfg.LogFile, Output: os.Stderr}); err != nil {
		_ = log.Configure(log.Options{Level: cfg.LogLevel, Output: os.Stderr})
	}
	logger := log.WithComponent("step-exec").With("node", cfg.NodeName, "argv0", argv[0])

	for _, err := range applyLimits(cfg.Limits) {
		logger.Warn("resource limit not applied", "error", err)
	}
	if cfg.PropagatePrio {
		if err := propagatePriority(); err != nil {
			logger.Warn("priority not propagated", "error", err)
		}
	}

	jobID := jobIDFromEnv()
	runner := script.NewRunner(cfg.KillWait)
	if _, err := runner.Run(ctx, t.taskScript("user-task-prolog", cfg.TaskProlog, jobID, cfg)); err != nil {
		logger.Error("task prolog failed", "error", err)
		return ExitSetup, err
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return ExitNotFound, fault.New(fault.Spawn, "step-exec", err)
	}

	if cfg.TaskEpilog == "" {
		err := t.Exec(path, argv, os.Environ())
		return ExitNotFound, fault.New(fault.Spawn, "step-exec", err)
	}

	// With a task epilog the trampoline stays as the task's parent.
	cmd := &exec.Cmd{Path: path, Args: argv, Env: os.Environ(), Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	if err := cmd.Start(); err != nil {
		return ExitNotFound, fault.New(fault.Spawn, "step-exec", err)
	}
	status, _ := exitStatus(cmd.Wait())

	if _, err := runner.Run(context.WithoutCancel(ctx), t.taskScript("user-task-epilog", cfg.TaskEpilog, jobID, cfg)); err != nil {
		logger.Warn("task epilog failed", "error", err)
	}
	return status, nil
}

func (t *Trampoline) taskScript(name, path string, jobID uint32, cfg *handoff.Reduced) script.Descriptor {
	return script.Descriptor{
		Name:    name,
		Path:    path,
		JobID:   jobID,
		UID:     uint32(os.Geteuid()),
		GID:     uint32(os.Getegid()),
		MaxWait: cfg.TaskScriptTimeout,
		Env:     os.Environ(),
	}
}

func jobIDFromEnv() uint32 {
	v, err := strconv.ParseUint(os.Getenv("SLURM_JOBID"), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// applyLimits sets each configured soft limit, bounded by the hard limit.
func applyLimits(lim handoff.Limits) []error {
	var errs []error
	for _, l := range []struct {
		name     string
		resource int
		value    int64
	}{
		{"nofile", unix.RLIMIT_NOFILE, lim.NoFile},
		{"core", unix.RLIMIT_CORE, lim.Core},
		{"stack", unix.RLIMIT_STACK, lim.Stack},
		{"memlock", unix.RLIMIT_MEMLOCK, lim.MemLock},
	} {
		if l.value == config.LimitInherit {
			continue
		}
		var rl unix.Rlimit
		if err := unix.Getrlimit(l.resource, &rl); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
			continue
		}
		want := config.RlimitValue(l.value)
		if want > rl.Max {
			want = rl.Max
		}
		rl.Cur = want
		if err := unix.Setrlimit(l.resource, &rl); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
		}
	}
	return errs
}

func propagatePriority() error {
	v, ok := os.LookupEnv(prioVar)
	if !ok {
		return nil
	}
	prio, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", prioVar, v, err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, prio); err != nil && !errors.Is(err, unix.EACCES) {
		return err
	}
	return nil
}
