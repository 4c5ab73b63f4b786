package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks orchestrator health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	PowerOn       bool
	Autonomy      string
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.Healthy.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.Failing.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.Failing.Render("DEGRADED")
	}

	power := theme.Power(health.PowerOn).Render(onOff(health.PowerOn))

	var autonomy string
	switch health.Autonomy {
	case "OK":
		autonomy = theme.Healthy.Render("OK")
	case "":
		autonomy = theme.Dim.Render("?")
	default:
		autonomy = theme.Failing.Render(health.Autonomy)
	}

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(spinner.LastEvent()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" WARDEN WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  Power: %s  Autonomy: %s  Up %s  Queue: %d",
		statusText, power, autonomy,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.QueueDepth,
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
