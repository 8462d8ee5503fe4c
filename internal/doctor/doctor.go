// Package doctor checks that a node is ready to run steps under a loaded
// configuration: scripts and the exec helper are usable, the spool and state
// paths are sound, and the intake is not left open by accident.
package doctor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg  *config.Config
	euid func() int
	// localCheck rejects network filesystems for the state database.
	localCheck func(string) error
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, euid: os.Geteuid, localCheck: storage.CheckLocal}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkScripts(r)
	d.checkExecHelper(r)
	d.checkSpool(r)
	d.checkState(r)
	d.checkPrivileges(r)
	d.checkAPI(r)
	d.checkReport(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkScripts: a missing script is skipped at run time, so it only warns.
// A script that exists but cannot run would fail every step.
func (d *Doctor) checkScripts(r *Result) {
	s := d.cfg.Scripts
	for _, sc := range []struct{ field, path string }{
		{"scripts.prolog", s.Prolog},
		{"scripts.epilog", s.Epilog},
		{"scripts.task_prolog", s.TaskProlog},
		{"scripts.task_epilog", s.TaskEpilog},
	} {
		if sc.path == "" {
			continue
		}
		info, err := os.Stat(sc.path)
		if errors.Is(err, fs.ErrNotExist) {
			d.addWarning(r, "scripts", sc.field, fmt.Sprintf("%s does not exist and will be skipped", sc.path))
			continue
		}
		if err != nil {
			d.addError(r, "scripts", sc.field, fmt.Sprintf("cannot stat %s: %v", sc.path, err))
			continue
		}
		if !info.Mode().IsRegular() {
			d.addError(r, "scripts", sc.field, fmt.Sprintf("%s is not a regular file", sc.path))
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			d.addError(r, "scripts", sc.field, fmt.Sprintf("%s is not executable", sc.path))
		}
		if info.Mode().Perm()&0o002 != 0 {
			d.addError(r, "scripts", sc.field, fmt.Sprintf("%s is world-writable", sc.path))
		}
	}
}

// checkExecHelper: without a helper, task scripts and limits never apply.
func (d *Doctor) checkExecHelper(r *Result) {
	helper := d.cfg.Tasks.ExecHelper
	if helper == "" {
		s, l := d.cfg.Scripts, d.cfg.Tasks.Limits
		if s.TaskProlog != "" || s.TaskEpilog != "" || l != (config.LimitsConfig{}) || d.cfg.Tasks.PropagatePrio {
			d.addWarning(r, "tasks", "tasks.exec_helper",
				"task scripts, limits and priority need tasks.exec_helper; tasks will be exec'd directly")
		}
		return
	}
	info, err := os.Stat(helper)
	if err != nil {
		d.addError(r, "tasks", "tasks.exec_helper", fmt.Sprintf("exec helper unusable: %v", err))
		return
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "tasks", "tasks.exec_helper", fmt.Sprintf("%s is not an executable file", helper))
	}
}

func (d *Doctor) checkSpool(r *Result) {
	dir := d.cfg.Node.SpoolDir
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		d.addWarning(r, "node", "node.spool_dir", fmt.Sprintf("%s does not exist; it is created at start", dir))
		return
	}
	if err != nil {
		d.addError(r, "node", "node.spool_dir", fmt.Sprintf("cannot stat %s: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "node", "node.spool_dir", fmt.Sprintf("%s is not a directory", dir))
		return
	}
	if err := d.localCheck(dir); err != nil {
		d.addError(r, "node", "node.spool_dir", err.Error())
	}
	if info.Mode().Perm()&0o002 != 0 && info.Mode()&os.ModeSticky == 0 {
		d.addWarning(r, "node", "node.spool_dir", fmt.Sprintf("%s is world-writable without the sticky bit", dir))
	}
}

func (d *Doctor) checkState(r *Result) {
	path := d.cfg.State.Path
	if path == ":memory:" {
		d.addWarning(r, "state", "state.path", "in-memory step log is lost on restart")
		return
	}
	if err := d.localCheck(filepath.Clean(path)); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
	if d.cfg.State.Retention == 0 {
		d.addWarning(r, "state", "state.retention", "retention is zero; the step log grows without bound")
	}
}

// checkPrivileges: only root can run tasks as other users.
func (d *Doctor) checkPrivileges(r *Result) {
	uid := d.euid()
	if uid != 0 {
		d.addWarning(r, "daemon", "daemon.user_id",
			fmt.Sprintf("running as uid %d; only steps of that user can be launched", uid))
	}
	if uint32(uid) != d.cfg.Daemon.UserID {
		d.addWarning(r, "daemon", "daemon.user_id",
			fmt.Sprintf("daemon.user_id is %d but the current uid is %d", d.cfg.Daemon.UserID, uid))
	}
}

func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		d.addWarning(r, "api", "api.enabled", "api disabled; the daemon will accept no steps")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	ip := net.ParseIP(host)
	loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
	if !loopback && d.cfg.API.Token == "" {
		d.addWarning(r, "api", "api.token", "api listens beyond loopback without a token")
	}
}

func (d *Doctor) checkReport(r *Result) {
	if d.cfg.Report.CallbackSecret == "" {
		d.addWarning(r, "report", "report.callback_secret", "step report callbacks are unsigned")
	}
}
