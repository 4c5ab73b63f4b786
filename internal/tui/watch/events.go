package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/warden/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := theme.Event(e.Type).Render(fmt.Sprintf("%-22s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e))
}

// eventDesc extracts a short description from the payload, falling back to
// the raw JSON.
func eventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if bot, ok := data["bot_id"].(string); ok {
		parts = append(parts, bot)
	}
	if jobID, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", truncate(jobID, 8)))
	}
	for _, key := range []string{"to_stage", "status", "reason_code", "reason"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if on, ok := data["on"].(bool); ok {
		if on {
			parts = append(parts, "power ON")
		} else {
			parts = append(parts, "power OFF")
		}
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}
