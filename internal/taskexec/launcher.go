// Package taskexec forks task processes and implements the child-side
// trampoline that receives the reduced daemon config before exec'ing the task.
package taskexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/job"
	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/privs"
)

// HandoffFD is the descriptor on which a helper-launched child finds the
// reduced config.
const HandoffFD = 3

// HelperCommand is the stepd subcommand that runs the trampoline.
const HelperCommand = "step-exec"

// TaskSpec describes one task to fork.
type TaskSpec struct {
	// Op names the task in errors, e.g. "task 2".
	Op   string
	Argv []string
	Env  []string
	Cwd  string
	Cred job.Credentials
	// Handoff is the packed reduced config. Only helper launches receive it.
	Handoff []byte
	// Output receives the task's stdout and stderr. Empty discards them.
	Output string
}

// Process is a started task.
type Process interface {
	Pid() int
	// Wait blocks until the task exits and returns its shell-style status.
	// It may be called more than once.
	Wait() (int, error)
	// Kill sends SIGKILL to the task's process group.
	Kill() error
}

// ProcLauncher starts tasks as child processes of the daemon.
type ProcLauncher struct {
	helper string
	logger *slog.Logger
}

// NewProcLauncher returns a launcher. A non-empty helper is the stepd binary
// used as trampoline; otherwise tasks are exec'd directly.
func NewProcLauncher(helper string) *ProcLauncher {
	return &ProcLauncher{helper: helper, logger: log.WithComponent("taskexec")}
}

// Start forks the task described by spec. Identity is checked before the
// fork; a task that cannot be started leaves no process behind.
func (l *ProcLauncher) Start(ctx context.Context, spec TaskSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Canceled, spec.Op, err)
	}
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, fault.Newf(fault.Spawn, spec.Op, "empty argv")
	}

	cred, err := privs.Credential(spec.Op, privs.Identity{UID: spec.Cred.UID, GID: spec.Cred.GID})
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if l.helper != "" {
		args := append([]string{HelperCommand, "--"}, spec.Argv...)
		cmd = exec.Command(l.helper, args...)
	} else {
		path, err := lookPath(spec.Argv[0], spec.Env, spec.Cwd)
		if err != nil {
			return nil, fault.New(fault.Spawn, spec.Op, err)
		}
		cmd = &exec.Cmd{Path: path, Args: append([]string(nil), spec.Argv...)}
	}
	cmd.Env = spec.Env
	cmd.Dir = spec.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: cred}

	var out *os.File
	if spec.Output != "" {
		out, err = openOutput(spec.Output, spec.Cred)
		if err != nil {
			return nil, fault.New(fault.Spawn, spec.Op, err)
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	var handoffW *os.File
	if l.helper != "" {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fault.New(fault.Spawn, spec.Op, fmt.Errorf("handoff pipe: %w", err))
		}
		defer r.Close()
		handoffW = w
		cmd.ExtraFiles = []*os.File{r}
	}

	if err := cmd.Start(); err != nil {
		if handoffW != nil {
			_ = handoffW.Close()
		}
		if cred != nil && errors.Is(err, syscall.EPERM) {
			return nil, fault.New(fault.Privilege, spec.Op, err)
		}
		return nil, fault.New(fault.Spawn, spec.Op, err)
	}

	if handoffW != nil {
		// Each child reads its own copy.
		buf := append([]byte(nil), spec.Handoff...)
		go func() {
			defer handoffW.Close()
			if _, err := handoffW.Write(buf); err != nil {
				l.logger.Warn("handoff write failed", "op", spec.Op, "error", err)
			}
		}()
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	l.logger.Debug("task started", "op", spec.Op, "pid", cmd.Process.Pid, "argv0", spec.Argv[0])
	return p, nil
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status int
	err    error
}

func (p *proc) reap() {
	err := p.cmd.Wait()
	status, exited := exitStatus(err)

	p.mu.Lock()
	p.status = status
	if err != nil && !exited {
		p.err = fmt.Errorf("wait: %w", err)
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *proc) Pid() int { return p.cmd.Process.Pid }

func (p *proc) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.err
}

func (p *proc) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

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

// lookPath resolves name against the PATH of the task's own environment.
func lookPath(name string, env []string, cwd string) (string, error) {
	if strings.Contains(name, "/") {
		if !filepath.IsAbs(name) && cwd != "" {
			name = filepath.Join(cwd, name)
		}
		if err := executable(name); err != nil {
			return "", err
		}
		return name, nil
	}

	pathVar := ""
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathVar = v
		}
	}
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if executable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable not found in task PATH", name)
}

func executable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: not executable", path)
	}
	return nil
}

func openOutput(path string, cred job.Credentials) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open task output: %w", err)
	}
	if os.Geteuid() == 0 {
		if err := f.Chown(int(cred.UID), int(cred.GID)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("chown task output: %w", err)
		}
	}
	return f, nil
}
