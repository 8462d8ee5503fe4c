// Package script runs administrator hooks (prolog, epilog and the per-task
// variants) as bounded child processes.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/stepd/internal/environ"
	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/privs"
)

const (
	// maxOutputBytes caps the script output kept for error reports.
	maxOutputBytes = 64 * 1024

	defaultKillWait = 5 * time.Second

	// minimalPath is the PATH given to scripts invoked without an environment.
	minimalPath = "/bin:/usr/bin"
)

// Descriptor describes one script invocation.
type Descriptor struct {
	// Name is the script class, e.g. "prolog" or "user-task-prolog". Classes
	// starting with "user" run as UID/GID; all others keep the daemon identity.
	Name  string
	Path  string
	JobID uint32
	UID   uint32
	GID   uint32
	// MaxWait bounds the run. Zero or negative means no bound.
	MaxWait time.Duration
	// Env is the full child environment. Nil selects a minimal one.
	Env []string
}

// UserScoped reports whether the script drops to the job's identity.
func (d Descriptor) UserScoped() bool {
	return strings.HasPrefix(d.Name, "user")
}

// Runner executes scripts.
type Runner struct {
	killWait time.Duration
	logger   *slog.Logger
}

// NewRunner returns a Runner that waits killWait between SIGTERM and SIGKILL.
func NewRunner(killWait time.Duration) *Runner {
	if killWait <= 0 {
		killWait = defaultKillWait
	}
	return &Runner{killWait: killWait, logger: log.WithComponent("script")}
}

// Run executes the script described by d and returns its exit status.
//
// An empty path, or one that does not exist, is "no script configured" and
// succeeds without forking. The child gets its own process group; on timeout
// or cancellation the whole group is sent SIGTERM, then SIGKILL after the
// kill wait, and is reaped before Run returns.
func (r *Runner) Run(ctx context.Context, d Descriptor) (int, error) {
	logger := r.logger.With("script", d.Name, "job_id", d.JobID)
	if d.Path == "" {
		return 0, nil
	}
	if _, err := os.Stat(d.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("script not present, skipping", "path", d.Path)
			return 0, nil
		}
		return 0, fault.New(fault.Spawn, d.Name, err)
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	if d.UserScoped() {
		cred, err := privs.Credential(d.Name, privs.Identity{UID: d.UID, GID: d.GID})
		if err != nil {
			return 0, err
		}
		attr.Credential = cred
	}

	env := d.Env
	if env == nil {
		minimal, err := environ.New(
			fmt.Sprintf("SLURM_JOBID=%d", d.JobID),
			fmt.Sprintf("SLURM_UID=%d", d.UID),
			"PATH="+minimalPath,
		)
		if err != nil {
			return 0, fault.New(fault.Environment, d.Name, err)
		}
		env = minimal.Slice()
	}

	out := &cappedBuffer{limit: maxOutputBytes}
	cmd := exec.Command(d.Path)
	cmd.Env = env
	cmd.Dir = "/"
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = attr
	// Descendants that keep the output pipe open must not stall the reap.
	cmd.WaitDelay = r.killWait

	logger.Debug("running script", "path", d.Path, "max_wait", d.MaxWait)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		if attr.Credential != nil && errors.Is(err, syscall.EPERM) {
			return 0, fault.New(fault.Privilege, d.Name, err)
		}
		return 0, fault.New(fault.Spawn, d.Name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if d.MaxWait > 0 {
		timer := time.NewTimer(d.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
		logger.Warn("script exceeded max wait, terminating", "max_wait", d.MaxWait)
		status := r.terminate(cmd, waitErr, logger)
		return status, &fault.Error{
			Kind:   fault.Timeout,
			Op:     d.Name,
			Status: status,
			Err:    withOutput(fmt.Errorf("exceeded max wait %s", d.MaxWait), out),
		}

	case <-ctx.Done():
		logger.Warn("script canceled, terminating")
		status := r.terminate(cmd, waitErr, logger)
		return status, &fault.Error{Kind: fault.Canceled, Op: d.Name, Status: status, Err: ctx.Err()}

	case err := <-waitErr:
		if errors.Is(err, exec.ErrWaitDelay) {
			// The script itself exited; what is left of its group goes too.
			logger.Warn("script left descendants holding its output open, killing its group")
			if kerr := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
				logger.Warn("kill script group failed", "error", kerr)
			}
			err = nil
		}
		status, exited := exitStatus(err)
		if err != nil && !exited {
			return 0, fault.New(fault.Spawn, d.Name, fmt.Errorf("wait: %w", err))
		}
		logger.Debug("script finished", "status", status, "elapsed", time.Since(started))
		if status != 0 {
			return status, fault.Exit(d.Name, status, withOutput(nil, out))
		}
		return 0, nil
	}
}

// terminate signals the process group and returns the reaped exit status.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) int {
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.killWait)
	defer grace.Stop()

	var err error
	select {
	case err = <-waitErr:
	case <-grace.C:
		logger.Warn("script ignored SIGTERM, sending SIGKILL")
		if kerr := syscall.Kill(-pgid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
			logger.Error("failed to send SIGKILL", "error", kerr)
		}
		err = <-waitErr
	}
	// The leader may be gone while group members linger.
	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	status, _ := exitStatus(err)
	return status
}

// exitStatus converts a Wait error to a shell-style status: the exit code, or
// 128+signal for a signalled child.
func exitStatus(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 0, false
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	return ee.ExitCode(), true
}

func withOutput(err error, out *cappedBuffer) error {
	text := strings.TrimSpace(out.String())
	switch {
	case text == "":
		return err
	case err == nil:
		return fmt.Errorf("output: %s", text)
	default:
		return fmt.Errorf("%w; output: %s", err, text)
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
