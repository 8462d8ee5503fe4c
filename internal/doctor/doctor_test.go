package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepd/internal/config"
)

// healthyConfig returns a config that passes every check when run as root.
func healthyConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Node.SpoolDir = filepath.Join(dir, "spool")
	require.NoError(t, os.Mkdir(cfg.Node.SpoolDir, 0o755))
	cfg.State.Path = filepath.Join(dir, "stepd.db")
	cfg.Report.CallbackSecret = "s3cret"
	cfg.Scripts.Prolog = writeScript(t, dir, "prolog", 0o755)
	cfg.Tasks.ExecHelper = writeScript(t, dir, "stepd", 0o755)
	return cfg
}

func writeScript(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o600))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func newDoctor(cfg *config.Config, uid int) *Doctor {
	d := New(cfg)
	d.euid = func() int { return uid }
	d.localCheck = func(string) error { return nil }
	return d
}

func hasIssue(issues []Issue, field, fragment string) bool {
	for _, is := range issues {
		if is.Field == field && strings.Contains(is.Message, fragment) {
			return true
		}
	}
	return false
}

func TestValidateHealthy(t *testing.T) {
	r := newDoctor(healthyConfig(t), 0).Validate()
	assert.True(t, r.Valid, "errors: %+v", r.Errors)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestScriptChecks(t *testing.T) {
	cfg := healthyConfig(t)
	dir := filepath.Dir(cfg.Scripts.Prolog)
	cfg.Scripts.Epilog = filepath.Join(dir, "missing")
	cfg.Scripts.TaskProlog = writeScript(t, dir, "noexec", 0o644)
	cfg.Scripts.TaskEpilog = writeScript(t, dir, "open", 0o777)

	r := newDoctor(cfg, 0).Validate()
	assert.False(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "scripts.epilog", "will be skipped"))
	assert.True(t, hasIssue(r.Errors, "scripts.task_prolog", "not executable"))
	assert.True(t, hasIssue(r.Errors, "scripts.task_epilog", "world-writable"))
}

func TestExecHelperChecks(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.Tasks.ExecHelper = filepath.Join(t.TempDir(), "nope")
	r := newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Errors, "tasks.exec_helper", "unusable"))

	cfg = healthyConfig(t)
	cfg.Tasks.ExecHelper = ""
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, r.Valid)
	assert.Empty(t, r.Warnings)

	cfg.Tasks.Limits.NoFile = "1024"
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "tasks.exec_helper", "exec'd directly"))
}

func TestSpoolChecks(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.Node.SpoolDir = filepath.Join(t.TempDir(), "later")
	r := newDoctor(cfg, 0).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "node.spool_dir", "created at start"))

	cfg.Node.SpoolDir = cfg.Scripts.Prolog
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Errors, "node.spool_dir", "not a directory"))

	open := filepath.Join(t.TempDir(), "open")
	require.NoError(t, os.Mkdir(open, 0o755))
	require.NoError(t, os.Chmod(open, 0o777))
	cfg.Node.SpoolDir = open
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Warnings, "node.spool_dir", "sticky"))
}

func TestStateChecks(t *testing.T) {
	cfg := healthyConfig(t)
	d := newDoctor(cfg, 0)
	d.localCheck = func(string) error { return errors.New("state path is on nfs") }
	r := d.Validate()
	assert.False(t, r.Valid)
	assert.True(t, hasIssue(r.Errors, "state.path", "nfs"))

	cfg.State.Path = ":memory:"
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "state.path", "lost on restart"))

	cfg = healthyConfig(t)
	cfg.State.Retention = 0
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Warnings, "state.retention", "without bound"))
}

func TestPrivilegeWarnings(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.Daemon.UserID = 1000
	r := newDoctor(cfg, 1000).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "daemon.user_id", "only steps of that user"))
	assert.False(t, hasIssue(r.Warnings, "daemon.user_id", "current uid"))

	r = newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Warnings, "daemon.user_id", "current uid is 0"))
}

func TestAPIChecks(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.API.Listen = "0.0.0.0:6818"
	r := newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Warnings, "api.token", "without a token"))

	cfg.API.Token = "t0ken"
	r = newDoctor(cfg, 0).Validate()
	assert.Empty(t, r.Warnings)

	cfg.API.Listen = "localhost:6818"
	cfg.API.Token = ""
	r = newDoctor(cfg, 0).Validate()
	assert.Empty(t, r.Warnings)

	cfg.API.Listen = "no-port"
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, hasIssue(r.Errors, "api.listen", "invalid listen address"))

	cfg.API.Enabled = false
	r = newDoctor(cfg, 0).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "api.enabled", "accept no steps"))
}

func TestUnsignedCallbacksWarn(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.Report.CallbackSecret = ""
	r := newDoctor(cfg, 0).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "report.callback_secret", "unsigned"))
}
