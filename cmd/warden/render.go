package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
)

type styleSet struct {
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	dim    lipgloss.Style
	header lipgloss.Style
	title  lipgloss.Style
}

var styles = styleSet{
	good:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
	bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
	title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")),
}

func autonomyLabel(s autonomy.Status) string {
	switch s {
	case autonomy.StatusOK:
		return styles.good.Render(string(s))
	case autonomy.StatusDegraded:
		return styles.warn.Render(string(s))
	default:
		return styles.bad.Render(string(s))
	}
}

func onOff(on bool) string {
	if on {
		return styles.good.Render("ON")
	}
	return styles.bad.Render("OFF")
}

func stageLabel(s bots.Stage) string {
	if s == bots.StageLive {
		return styles.warn.Render(string(s))
	}
	return string(s)
}

// table renders rows as left-aligned columns under a bold header.
func table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(s string, w int) string {
		return s + strings.Repeat(" ", max(w-lipgloss.Width(s), 0))
	}

	var b strings.Builder
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = styles.header.Render(pad(h, widths[i]))
	}
	b.WriteString(strings.Join(cells, "  "))
	b.WriteString("\n")
	for _, row := range rows {
		for i := range cells {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = pad(cell, widths[i])
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteString("\n")
	}
	return b.String()
}

func ago(t *time.Time, now time.Time) string {
	if t == nil {
		return styles.dim.Render("never")
	}
	return fmt.Sprintf("%s ago", now.Sub(*t).Round(time.Second))
}
