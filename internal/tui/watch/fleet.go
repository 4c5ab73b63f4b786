package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
)

// BotState is what the watch has learned about one bot from the event stream.
type BotState struct {
	ID          string
	Stage       string
	Killed      bool
	Runners     map[string]bool
	ActiveJobs  map[string]string // job id -> status
	LastEvent   string
	LastEventAt time.Time
	Failures    int
}

type eventFields struct {
	BotID      string `json:"bot_id"`
	JobID      string `json:"job_id"`
	InstanceID string `json:"instance_id"`
	ToStage    string `json:"to_stage"`
	Status     string `json:"status"`
}

// updateFleet folds one event into the per-bot state. Events without a
// bot_id (system.power) are ignored here.
func updateFleet(fleet map[string]*BotState, e events.Event) {
	var f eventFields
	if err := json.Unmarshal(e.Data, &f); err != nil || f.BotID == "" {
		return
	}

	bot, ok := fleet[f.BotID]
	if !ok {
		bot = &BotState{
			ID:         f.BotID,
			Runners:    make(map[string]bool),
			ActiveJobs: make(map[string]string),
		}
		fleet[f.BotID] = bot
	}
	bot.LastEvent = e.Type
	bot.LastEventAt = e.At

	switch e.Type {
	case events.JobEnqueued:
		bot.ActiveJobs[f.JobID] = "queued"
	case events.JobClaimed:
		bot.ActiveJobs[f.JobID] = "running"
	case events.JobCompleted:
		delete(bot.ActiveJobs, f.JobID)
	case events.JobFailed, events.JobTimedOut:
		delete(bot.ActiveJobs, f.JobID)
		bot.Failures++
	case events.RunnerStarted:
		bot.Runners[f.InstanceID] = true
	case events.RunnerStopped:
		delete(bot.Runners, f.InstanceID)
	case events.BotKilled:
		bot.Killed = true
	case events.BotResurrected:
		bot.Killed = false
	case events.StagePromoted, events.StageDemoted:
		if f.ToStage != "" {
			bot.Stage = f.ToStage
		}
	}
}

func newFleetTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Bot", Width: 20},
			{Title: "Stage", Width: 8},
			{Title: "State", Width: 8},
			{Title: "Runners", Width: 7},
			{Title: "Jobs", Width: 5},
			{Title: "Fails", Width: 5},
			{Title: "Last event", Width: 22},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// fleetRows renders bots sorted by id.
func fleetRows(fleet map[string]*BotState) []table.Row {
	ids := make([]string, 0, len(fleet))
	for id := range fleet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		b := fleet[id]
		stage := b.Stage
		if stage == "" {
			stage = "-"
		}
		rows = append(rows, table.Row{
			truncate(b.ID, 20),
			stage,
			botStateLabel(b),
			fmt.Sprintf("%d", len(b.Runners)),
			fmt.Sprintf("%d", len(b.ActiveJobs)),
			fmt.Sprintf("%d", b.Failures),
			truncate(b.LastEvent, 22),
		})
	}
	return rows
}

const (
	stateKilled  = "KILLED"
	stateRunning = "RUNNING"
	stateBusy    = "BUSY"
	stateIdle    = "IDLE"
)

func botStateLabel(b *BotState) string {
	switch {
	case b.Killed:
		return stateKilled
	case len(b.Runners) > 0:
		return stateRunning
	case len(b.ActiveJobs) > 0:
		return stateBusy
	default:
		return stateIdle
	}
}

func renderFleet(t table.Model, fleet map[string]*BotState, theme Theme, width int) string {
	innerWidth := width - 4
	if len(fleet) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("FLEET"),
			theme.Dim.Render("  No bot activity yet"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	title := theme.Title.Render(fmt.Sprintf("FLEET (%d bots)", len(fleet))) + fleetSummary(fleet, theme)
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}

// fleetSummary counts bots per stage, riskiest first, then kills, each in
// its theme style. Bots whose stage is not known yet are not counted.
func fleetSummary(fleet map[string]*BotState, theme Theme) string {
	perStage := make(map[bots.Stage]int)
	killed := 0
	for _, b := range fleet {
		if b.Killed {
			killed++
		}
		if st, err := bots.ParseStage(b.Stage); err == nil {
			perStage[st]++
		}
	}

	var parts []string
	stages := bots.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		if n := perStage[stages[i]]; n > 0 {
			parts = append(parts, theme.Stage(string(stages[i])).Render(fmt.Sprintf("%s %d", stages[i], n)))
		}
	}
	if killed > 0 {
		parts = append(parts, theme.BotState(stateKilled).Render(fmt.Sprintf("%d killed", killed)))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
