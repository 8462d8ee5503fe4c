// Package steplog persists terminal step reports in the node's sqlite database.
package steplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/stepd/internal/protocol"
)

// ErrNotFound is returned by Get for an unknown step instance.
var ErrNotFound = errors.New("step not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Report records rep. Reporting the same instance twice keeps the latest.
func (s *Store) Report(ctx context.Context, rep *protocol.StepReport) error {
	if rep == nil || rep.ID == "" {
		return fmt.Errorf("report has no id")
	}
	var taskGID any
	if rep.TaskGID != nil {
		taskGID = *rep.TaskGID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO step_log(
  id, job_id, step_id, kind, node_id, state, failure_kind, detail, exit_status,
  task_gid, epilog_error, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rep.ID, rep.JobID, rep.StepID, rep.Kind, rep.NodeID, rep.State, nullable(rep.FailureKind), nullable(rep.Detail),
		rep.ExitStatus, taskGID, nullable(rep.EpilogError),
		rep.StartedAt.UTC().Format(time.RFC3339Nano), rep.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record step %s: %w", rep.ID, err)
	}
	return nil
}

// Get returns the report for step instance id.
func (s *Store) Get(ctx context.Context, id string) (*protocol.StepReport, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id)
	rep, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", id, err)
	}
	return rep, nil
}

// Recent returns up to limit reports, newest first. A job id of zero
// matches every job.
func (s *Store) Recent(ctx context.Context, jobID uint32, limit int) ([]*protocol.StepReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE (? = 0 OR job_id = ?)
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;`, jobID, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*protocol.StepReport
	for rows.Next() {
		rep, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// Prune deletes reports completed before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM step_log WHERE completed_at < ?;`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune step log: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `
SELECT id, job_id, step_id, kind, node_id, state, failure_kind, detail, exit_status,
  task_gid, epilog_error, started_at, completed_at
FROM step_log`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*protocol.StepReport, error) {
	var (
		rep          protocol.StepReport
		failureKind  sql.NullString
		detail       sql.NullString
		taskGID      sql.NullInt64
		epilogError  sql.NullString
		startedAtS   string
		completedAtS string
	)
	if err := row.Scan(&rep.ID, &rep.JobID, &rep.StepID, &rep.Kind, &rep.NodeID, &rep.State, &failureKind, &detail,
		&rep.ExitStatus, &taskGID, &epilogError, &startedAtS, &completedAtS); err != nil {
		return nil, err
	}
	rep.FailureKind = failureKind.String
	rep.Detail = detail.String
	rep.EpilogError = epilogError.String
	if taskGID.Valid {
		gid := int(taskGID.Int64)
		rep.TaskGID = &gid
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		rep.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
		rep.CompletedAt = t
	}
	return &rep, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
