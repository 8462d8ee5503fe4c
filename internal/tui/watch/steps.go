package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/stepd/internal/events"
	"github.com/mattjoyce/stepd/internal/job"
	"github.com/mattjoyce/stepd/internal/protocol"
)

// maxFinished bounds how many finished steps the board remembers.
const maxFinished = 100

// StepState is the board's view of one step instance.
type StepState struct {
	ID          string
	JobID       uint32
	StepID      uint32
	Kind        string
	State       string
	FailureKind string
	Started     time.Time
	Ended       time.Time
}

func (s *StepState) Name() string {
	if s.StepID == job.BatchStepID {
		return fmt.Sprintf("%d.batch", s.JobID)
	}
	return fmt.Sprintf("%d.%d", s.JobID, s.StepID)
}

func (s *StepState) Finished() bool {
	return s.State == "completed" || s.State == "failed"
}

// Board tracks steps from the event stream.
type Board struct {
	steps map[string]*StepState
}

func NewBoard() *Board {
	return &Board{steps: make(map[string]*StepState)}
}

func (b *Board) get(id string) *StepState {
	s, ok := b.steps[id]
	if !ok {
		s = &StepState{ID: id}
		b.steps[id] = s
	}
	return s
}

// Apply folds one event into the board. Unknown event types are ignored.
func (b *Board) Apply(e events.Event) {
	switch e.Type {
	case events.TypeTransition:
		var tr events.Transition
		if err := json.Unmarshal(e.Data, &tr); err != nil || tr.Instance == "" {
			return
		}
		s := b.get(tr.Instance)
		s.JobID, s.StepID, s.State = tr.JobID, tr.StepID, tr.To
		if s.Started.IsZero() {
			s.Started = e.At
		}
	case events.TypeCompleted:
		var rep protocol.StepReport
		if err := json.Unmarshal(e.Data, &rep); err != nil || rep.ID == "" {
			return
		}
		b.Seed(rep)
	default:
		return
	}
	b.prune()
}

// Seed records a step report as-is.
func (b *Board) Seed(rep protocol.StepReport) {
	s := b.get(rep.ID)
	s.JobID, s.StepID, s.Kind = rep.JobID, rep.StepID, rep.Kind
	s.State, s.FailureKind = rep.State, rep.FailureKind
	s.Started, s.Ended = rep.StartedAt, rep.CompletedAt
}

func (b *Board) prune() {
	var finished []*StepState
	for _, s := range b.steps {
		if s.Finished() {
			finished = append(finished, s)
		}
	}
	if len(finished) <= maxFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Ended.Before(finished[j].Ended) })
	for _, s := range finished[:len(finished)-maxFinished] {
		delete(b.steps, s.ID)
	}
}

// Steps returns live steps first, then finished ones, newest first within
// each group.
func (b *Board) Steps() []*StepState {
	out := make([]*StepState, 0, len(b.steps))
	for _, s := range b.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Finished() != out[j].Finished() {
			return !out[i].Finished()
		}
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.After(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live counts unfinished steps.
func (b *Board) Live() int {
	n := 0
	for _, s := range b.steps {
		if !s.Finished() {
			n++
		}
	}
	return n
}

func stepColumns() []table.Column {
	return []table.Column{
		{Title: "Step", Width: 14},
		{Title: "Kind", Width: 7},
		{Title: "State", Width: 18},
		{Title: "Failure", Width: 13},
		{Title: "Elapsed", Width: 9},
		{Title: "Instance", Width: 10},
	}
}

func stepRows(steps []*StepState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(steps))
	for _, s := range steps {
		end := now
		if s.Finished() && !s.Ended.IsZero() {
			end = s.Ended
		}
		elapsed := "-"
		if !s.Started.IsZero() {
			elapsed = formatDuration(end.Sub(s.Started))
		}
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{s.Name(), s.Kind, s.State, s.FailureKind, elapsed, id})
	}
	return rows
}
