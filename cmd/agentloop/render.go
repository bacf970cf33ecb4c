package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
)

// Terminal styles.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	answerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("46")).
			Padding(0, 1)
)

// maxResultWidth bounds the rendered width of a step result.
const maxResultWidth = 160

// renderer turns events into terminal lines.
type renderer struct {
	verbose bool
}

// render returns the text for e, or "" when the event is not shown.
func (r renderer) render(e events.Event) string {
	switch d := e.Data.(type) {
	case events.PlanProposed:
		var b strings.Builder
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Plan v%d", d.Version)))
		for _, s := range d.Steps {
			b.WriteString("\n  ")
			b.WriteString(formatStep(s))
		}
		return b.String()

	case events.StepProposed:
		return labelStyle.Render("▶ ") + formatStep(d.Step)

	case events.StepResult:
		id := fmt.Sprintf("step %d", d.Step.ID)
		switch {
		case d.Step.Status == blackboard.StatusSkipped:
			return warningStyle.Render("↷ ") + dimStyle.Render(id+" skipped")
		case d.Error != nil:
			return errorStyle.Render("✗ ") + id + " " + errorStyle.Render(string(d.Error.Kind)) + dimStyle.Render(": "+d.Error.Message)
		default:
			return successStyle.Render("✓ ") + id + dimStyle.Render(" → ") + valueStyle.Render(truncate(formatValue(d.Result), maxResultWidth))
		}

	case events.SnapshotUpdated:
		if !r.verbose && !d.Snapshot.GoalAchieved {
			return ""
		}
		line := sectionStyle.Render("Perception") + dimStyle.Render(fmt.Sprintf(" %d facts", len(d.Snapshot.Facts)))
		if d.Snapshot.Summary != "" {
			line += "\n  " + d.Snapshot.Summary
		}
		return line

	case events.FinalAnswer:
		return answerStyle.Render(d.Text)

	case events.RunFailed:
		line := errorStyle.Render("run failed: "+string(d.Kind)) + dimStyle.Render(" "+d.Detail)
		if d.Summary != "" {
			line += "\n  " + d.Summary
		}
		return line

	case events.StateChanged:
		if !r.verbose {
			return ""
		}
		return dimStyle.Render(fmt.Sprintf("  %s → %s", d.From, d.To))
	}
	return ""
}

// formatStep renders a step on one line: id, kind, and the kind's payload.
func formatStep(s blackboard.Step) string {
	head := labelStyle.Render(fmt.Sprintf("[%d] %s", s.ID, s.Kind))
	var body string
	switch s.Kind {
	case blackboard.KindCode:
		body = s.Payload.Code
	case blackboard.KindToolCall:
		body = s.Payload.Tool + "(" + formatValue(s.Payload.Params) + ")"
	case blackboard.KindAskUser:
		body = s.Payload.Question
	case blackboard.KindFinalAnswer:
		body = s.Payload.Answer
	}
	return head + " " + body
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// promptFor is the question shown at a suspension point.
func promptFor(req hitl.Request) string {
	switch req.Kind {
	case hitl.KindPlan:
		return warningStyle.Render("Approve plan?") + dimStyle.Render(" [Enter] approve · stop · or type feedback to reject")
	case hitl.KindStep:
		step := ""
		if req.Step != nil {
			step = " " + formatStep(*req.Step)
		}
		return warningStyle.Render("Run step?") + step + dimStyle.Render(" [Enter] approve · skip · stop")
	case hitl.KindAsk:
		return warningStyle.Render("Question: ") + req.Question + dimStyle.Render(" (/stop to end the run)")
	}
	return ""
}

// header renders the banner printed before a run.
func header(runID, sessionID string) string {
	return headerStyle.Render("agentloop") + " " +
		labelStyle.Render("run ") + valueStyle.Render(runID) + " " +
		labelStyle.Render("session ") + valueStyle.Render(sessionID)
}
