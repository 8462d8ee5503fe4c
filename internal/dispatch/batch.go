package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/stepd/internal/fault"
	"github.com/mattjoyce/stepd/internal/job"
)

// BatchScriptName is the file a batch script body is written to inside the
// job's spool directory.
const BatchScriptName = "script"

// jobSpoolDir creates the job's private spool directory. When the daemon runs
// as root the directory belongs to the job user.
func (d *Dispatcher) jobSpoolDir(rec *job.Record) (string, error) {
	dir := filepath.Join(d.cfg.Node.SpoolDir, fmt.Sprintf("job%05d", rec.JobID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fault.New(fault.Spawn, "job spool", err)
	}
	if os.Geteuid() == 0 {
		if err := os.Chown(dir, int(rec.Cred.UID), int(rec.Cred.GID)); err != nil {
			return "", fault.New(fault.Spawn, "job spool", err)
		}
	}
	return dir, nil
}

func taskOutputPath(dir string, rec *job.Record, gid int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.out", rec.String(), gid))
}

// writeBatchScript stores the script body and points the task's argv at it.
func (d *Dispatcher) writeBatchScript(s *step) error {
	dir, err := d.jobSpoolDir(s.rec)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, BatchScriptName)
	if err := os.WriteFile(path, []byte(s.rec.BatchScript), 0o700); err != nil {
		return fault.New(fault.Spawn, "write batch script", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o700); err != nil {
		return fault.New(fault.Spawn, "write batch script", err)
	}
	if os.Geteuid() == 0 {
		if err := os.Chown(path, int(s.rec.Cred.UID), int(s.rec.Cred.GID)); err != nil {
			return fault.New(fault.Spawn, "write batch script", err)
		}
	}
	s.rec.Argv[0] = path
	s.logger.Debug("batch script written", "path", path, "bytes", len(s.rec.BatchScript))
	return nil
}

func (d *Dispatcher) removeBatchScript(s *step) {
	if s.rec.Argv[0] == "" {
		return
	}
	if err := os.Remove(s.rec.Argv[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove batch script failed", "path", s.rec.Argv[0], "error", err)
	}
}
