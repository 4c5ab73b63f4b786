package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/warden/internal/events"
)

// Model is the BubbleTea model for the fleet watch.
type Model struct {
	apiURL string
	token  string
	filter events.Filter
	lastID int64

	width  int
	height int

	health   HealthState
	fleet    map[string]*BotState
	eventLog []events.Event

	ticker  Ticker
	spinner Spinner

	theme Theme
	table table.Model

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model that reads from the API at apiURL. The token
// needs system:ro and events:ro. The filter narrows the event stream
// server-side; health and power always cover the whole fleet.
func New(apiURL, token string, filter events.Filter) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		filter:    filter,
		fleet:     make(map[string]*BotState),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		table:     newFleetTable(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.filter, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.spinner.OnEvent(e.At)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		updateFleet(m.fleet, e)
		m.table.SetRows(fleetRows(m.fleet))

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.PowerOn = msg.PowerOn
		m.health.Autonomy = msg.Autonomy
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.filter, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to warden..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width),
		renderFleet(m.table, m.fleet, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if !m.filter.Empty() {
		parts = append(parts, m.theme.Dim.Render(" Filter: "+m.filter.Query().Encode()))
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failing.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select bot"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
