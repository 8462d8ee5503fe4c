// Package inspect renders step log entries for operators, reading the state
// database and spool directory directly so it works while the daemon is down.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/stepd/internal/job"
	"github.com/mattjoyce/stepd/internal/protocol"
)

// StepSource is the read side of the step log.
type StepSource interface {
	Get(ctx context.Context, id string) (*protocol.StepReport, error)
	Recent(ctx context.Context, jobID uint32, limit int) ([]*protocol.StepReport, error)
}

// Report is the structured form of a single step.
type Report struct {
	*protocol.StepReport
	Name     string   `json:"name"`
	Duration string   `json:"duration"`
	Outputs  []Output `json:"outputs"`
}

// Output is one task output file left in the job spool directory.
type Output struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// BuildReport renders a terminal-friendly report for one step.
func BuildReport(ctx context.Context, src StepSource, spoolDir, id string) (string, error) {
	report, err := gatherReport(ctx, src, spoolDir, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Step Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	fmt.Fprintf(&out, "Step        : %s (%s)\n", report.Name, report.Kind)
	fmt.Fprintf(&out, "Node ID     : %d\n", report.NodeID)
	fmt.Fprintf(&out, "State       : %s\n", renderState(report.StepReport))
	if report.TaskGID != nil {
		fmt.Fprintf(&out, "Exit        : %d (task %d)\n", report.ExitStatus, *report.TaskGID)
	} else {
		fmt.Fprintf(&out, "Exit        : %d\n", report.ExitStatus)
	}
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	if report.Detail != "" {
		fmt.Fprintf(&out, "Detail      : %s\n", report.Detail)
	}
	if report.EpilogError != "" {
		fmt.Fprintf(&out, "Epilog      : %s\n", report.EpilogError)
	}

	if len(report.Outputs) == 0 {
		fmt.Fprintf(&out, "Outputs     : <none>\n")
	} else {
		fmt.Fprintf(&out, "Outputs     :\n")
		for _, o := range report.Outputs {
			fmt.Fprintf(&out, "  - %s (%d bytes)\n", o.Path, o.Bytes)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report for one step.
func BuildJSONReport(ctx context.Context, src StepSource, spoolDir, id string) (string, error) {
	report, err := gatherReport(ctx, src, spoolDir, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildList renders recent steps as a table, newest first.
func BuildList(ctx context.Context, src StepSource, jobID uint32, limit int) (string, error) {
	reps, err := src.Recent(ctx, jobID, limit)
	if err != nil {
		return "", err
	}
	if len(reps) == 0 {
		return "No steps recorded.\n", nil
	}

	var out strings.Builder
	w := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tKIND\tSTATE\tEXIT\tCOMPLETED\tID")
	for _, rep := range reps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			stepName(rep), rep.Kind, renderState(rep), rep.ExitStatus,
			rep.CompletedAt.Local().Format("2006-01-02 15:04:05"), rep.ID)
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}

func gatherReport(ctx context.Context, src StepSource, spoolDir, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("step id is required")
	}
	rep, err := src.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", id, err)
	}

	report := &Report{
		StepReport: rep,
		Name:       stepName(rep),
		Duration:   rep.CompletedAt.Sub(rep.StartedAt).Round(time.Millisecond).String(),
		Outputs:    []Output{},
	}
	if spoolDir != "" {
		outputs, err := listOutputs(spoolDir, rep)
		if err != nil {
			return nil, err
		}
		report.Outputs = outputs
	}
	return report, nil
}

func stepName(rep *protocol.StepReport) string {
	return (&job.Record{JobID: rep.JobID, StepID: rep.StepID}).String()
}

func renderState(rep *protocol.StepReport) string {
	if rep.FailureKind != "" {
		return rep.State + " (" + rep.FailureKind + ")"
	}
	return rep.State
}

// listOutputs finds the per-task output files of a step. Later steps of the
// same job may share the spool directory, so files are matched by step name.
func listOutputs(spoolDir string, rep *protocol.StepReport) ([]Output, error) {
	dir := filepath.Join(spoolDir, fmt.Sprintf("job%05d", rep.JobID))
	matches, err := filepath.Glob(filepath.Join(dir, stepName(rep)+".*.out"))
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	sort.Strings(matches)

	outputs := make([]Output, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		outputs = append(outputs, Output{Path: path, Bytes: info.Size()})
	}
	return outputs, nil
}
