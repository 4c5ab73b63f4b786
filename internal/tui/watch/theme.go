// Package watch implements the warden fleet watch TUI: orchestrator health,
// per-bot activity and the live event stream, fed from /healthz and /events.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
)

// stagePalette runs from cool to hot as real capital is put at risk, indexed
// by bots.Stage.Rank.
var stagePalette = []lipgloss.Color{"#888888", "#61AFEF", "#56B6C2", "#E5C07B", "#FF8700"}

// Theme holds the watch styles. Stage colours follow risk exposure; kill and
// power-off share one alarm style so they read the same everywhere.
type Theme struct {
	Stages  map[bots.Stage]lipgloss.Style
	Live    lipgloss.Style
	Alarm   lipgloss.Style
	Healthy lipgloss.Style
	Failing lipgloss.Style
	Busy    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	t := Theme{
		Stages:  make(map[bots.Stage]lipgloss.Style),
		Alarm:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true),
		Healthy: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failing: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Busy:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#874BFD")),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
	for _, s := range bots.Stages() {
		t.Stages[s] = lipgloss.NewStyle().Foreground(stagePalette[s.Rank()])
	}
	t.Live = t.Stages[bots.StageLive].Bold(true).Underline(true)
	t.Stages[bots.StageLive] = t.Live
	return t
}

// Stage styles a stage name; unknown names are dimmed.
func (t Theme) Stage(raw string) lipgloss.Style {
	if st, err := bots.ParseStage(raw); err == nil {
		if style, ok := t.Stages[st]; ok {
			return style
		}
	}
	return t.Dim
}

// BotState styles the labels botStateLabel produces.
func (t Theme) BotState(label string) lipgloss.Style {
	switch label {
	case stateKilled:
		return t.Alarm
	case stateRunning:
		return t.Healthy
	case stateBusy:
		return t.Busy
	default:
		return t.Dim
	}
}

// Power styles the system power toggle.
func (t Theme) Power(on bool) lipgloss.Style {
	if on {
		return t.Healthy
	}
	return t.Alarm
}

// Event styles an event type by what it does to risk: kills and power
// changes alarm, promotions take the colour of live exposure.
func (t Theme) Event(eventType string) lipgloss.Style {
	switch eventType {
	case events.BotKilled, events.SystemPower:
		return t.Alarm
	case events.StagePromoted:
		return t.Live
	case events.JobCompleted, events.GovernanceApproved, events.BotResurrected:
		return t.Healthy
	case events.JobFailed, events.JobTimedOut, events.GovernanceRejected, events.StageDemoted:
		return t.Failing
	case events.JobClaimed, events.RunnerStarted, events.SupervisorRestart:
		return t.Busy
	case events.GovernanceRequested:
		return t.Highlight
	default:
		return t.Dim
	}
}
