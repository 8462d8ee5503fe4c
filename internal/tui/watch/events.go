package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stepd/internal/events"
	"github.com/mattjoyce/stepd/internal/protocol"
)

const visibleEvents = 8

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	return fmt.Sprintf("%s %s", ts, describeEvent(e, theme))
}

// describeEvent renders the one-line summary of an event.
func describeEvent(e events.Event, theme Theme) string {
	switch e.Type {
	case events.TypeTransition:
		var tr events.Transition
		if err := json.Unmarshal(e.Data, &tr); err == nil {
			s := (&StepState{JobID: tr.JobID, StepID: tr.StepID}).Name()
			line := fmt.Sprintf("%-12s %s -> %s", s, tr.From, theme.stateStyle(tr.To).Render(tr.To))
			if tr.Detail != "" {
				line += " " + theme.Dim.Render(tr.Detail)
			}
			return line
		}
	case events.TypeCompleted:
		var rep protocol.StepReport
		if err := json.Unmarshal(e.Data, &rep); err == nil {
			s := (&StepState{JobID: rep.JobID, StepID: rep.StepID}).Name()
			line := fmt.Sprintf("%-12s %s", s, theme.stateStyle(rep.State).Render(rep.State))
			if rep.FailureKind != "" {
				line += " " + rep.FailureKind
			}
			if rep.TaskGID != nil {
				line += fmt.Sprintf(" task %d", *rep.TaskGID)
			}
			return line
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return theme.Dim.Render(e.Type + " " + raw)
}
