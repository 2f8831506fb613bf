package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/rover/pkg/robot"
	"github.com/gwillem/rover/pkg/teleop"
	"github.com/gwillem/rover/pkg/transport"
)

const (
	headerHeight = 3 // title, status line, blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Wheel dataset names and colors.
const (
	leftWheel  = "left"
	rightWheel = "right"
)

var wheelColors = map[string]string{
	leftWheel:  "208", // orange
	rightWheel: "51",  // cyan
}

var connectionColors = map[transport.State]string{
	transport.Disconnected: "9",
	transport.Connecting:   "11",
	transport.Connected:    "14",
	transport.Listening:    "10",
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type monitorModel struct {
	ctrl      *teleop.Controller
	chart     *streamlinechart.Model
	width     int      // terminal width
	height    int      // terminal height
	logs      []string // last N log messages
	state     teleop.State
	quitting  bool
	lastDrive [2]int // track previous outputs to detect movement
	seen      bool
}

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement reports whether the drive outputs changed since the last state.
func (m *monitorModel) hasMovement(s teleop.State) bool {
	if !m.seen {
		return true
	}
	return m.lastDrive != [2]int{s.Left, s.Right}
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *monitorModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func newMonitorModel(ctrl *teleop.Controller) monitorModel {
	limit := float64(ctrl.MaxPWM())
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-limit, limit),
	)

	for _, name := range []string{leftWheel, rightWheel} {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(wheelColors[name]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}

	return monitorModel{
		ctrl:  ctrl,
		chart: &chart,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		state := teleop.State(msg)
		// Only update chart if the drive changed (freeze when idle)
		if m.hasMovement(state) {
			m.chart.PushDataSet(leftWheel, float64(state.Left))
			m.chart.PushDataSet(rightWheel, float64(state.Right))
			m.chart.DrawAll()
			m.lastDrive = [2]int{state.Left, state.Right}
			m.seen = true
		}
		m.state = state
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Rover stopped.\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("Rover Monitor"))
	sb.WriteString(" - " + m.ctrl.Address())
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m monitorModel) renderStatus() string {
	s := m.state
	conn := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(connectionColors[s.Connection]))

	var joints []string
	for _, name := range robot.AllJoints() {
		if angle, ok := s.Joints[name]; ok {
			joints = append(joints, fmt.Sprintf("%s %.0f°", name, angle))
		}
	}

	parts := []string{
		conn.Render(s.Connection.String()),
		fmt.Sprintf("L %6d  R %6d", s.Left, s.Right),
		strings.Join(joints, "  "),
		fmt.Sprintf("%d sequence(s)", s.Sequences),
	}
	if s.Error != nil {
		parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(s.Error.Error()))
	}
	return strings.Join(parts, statusStyle.Render(" │ "))
}

func renderLegend() string {
	var items []string
	for _, name := range []string{leftWheel, rightWheel} {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(wheelColors[name])).Bold(true)
		item := colorStyle.Render("━━") + " " + name + " wheel"
		items = append(items, item)
	}
	return strings.Join(items, "  ")
}
