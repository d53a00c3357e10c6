// Package progress shows a batch as a live table while it runs.
package progress

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/table"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/agent462/devbatch/internal/dispatch"
)

var (
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4672")
	colorYellow = lipgloss.Color("#FDFF90")
	colorCyan   = lipgloss.Color("#00E5FF")
	colorSubtle = lipgloss.Color("#626262")
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	timeStyle  = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorSubtle)
)

const (
	maxRows     = 20
	minColWidth = 8
)

// Row states shown before a device has a final status.
const (
	statePending = "pending"
	stateRunning = "running"
)

type entry struct {
	device   string
	state    string
	duration string
}

// Model is the bubbletea model for a running batch. Rows stay in request
// order; each one moves from pending to running to its final status.
type Model struct {
	command     string
	entries     []entry
	table       table.Model
	summary     dispatch.Summary
	finished    int
	batch       *dispatch.BatchResult
	err         error
	interrupted bool
}

// New creates a model with one pending row per target.
func New(command string, targets []string) Model {
	entries := make([]entry, len(targets))
	for i, t := range targets {
		entries[i] = entry{device: t, state: statePending}
	}

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithRows(buildRows(entries)),
		table.WithFocused(true),
		table.WithHeight(min(len(entries), maxRows)+1),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	km := table.DefaultKeyMap()
	km.GotoTop = key.NewBinding(key.WithKeys("home"))
	km.GotoBottom = key.NewBinding(key.WithKeys("end"))
	t.KeyMap = km

	return Model{command: command, entries: entries, table: t, summary: dispatch.Summary{Total: len(targets)}}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetColumns(columns(msg.Width))
		m.table.SetWidth(msg.Width - 2)
		m.table.SetHeight(max(3, min(len(m.entries)+1, msg.Height-6)))
		return m, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.interrupted = m.batch == nil && m.err == nil
			return m, tea.Quit
		}

	case startedMsg:
		if e := m.entry(msg.index); e != nil {
			e.state = stateRunning
			m.table.SetRows(buildRows(m.entries))
		}
		return m, nil

	case finishedMsg:
		if e := m.entry(msg.index); e != nil {
			e.state = msg.result.Status().String()
			e.duration = formatDuration(msg.result.Duration())
			m.finished++
			switch msg.result.Status() {
			case dispatch.StatusSucceeded:
				m.summary.Succeeded++
			case dispatch.StatusTimedOut:
				m.summary.TimedOut++
			default:
				m.summary.Failed++
			}
			m.table.SetRows(buildRows(m.entries))
		}
		return m, nil

	case doneMsg:
		m.batch, m.err = msg.batch, msg.err
		if m.batch != nil {
			m.summary = m.batch.Summary
			m.finished = len(m.batch.Results)
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() tea.View {
	var b strings.Builder
	b.WriteString(titleStyle.Render("$ " + m.command))
	b.WriteString("\n")
	b.WriteString(paneStyle.Render(m.table.View()))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(failStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	} else if m.batch == nil && !m.interrupted {
		b.WriteString(helpStyle.Render("q: stop"))
		b.WriteString("\n")
	}
	return tea.NewView(b.String())
}

// Batch returns the finished batch, or nil while it is still running.
func (m Model) Batch() *dispatch.BatchResult { return m.batch }

// Interrupted reports whether the user quit before the batch finished.
func (m Model) Interrupted() bool { return m.interrupted }

func (m Model) statusLine() string {
	s := m.summary
	return fmt.Sprintf("%d/%d done  %s  %s  %s",
		m.finished, s.Total,
		okStyle.Render(fmt.Sprintf("%d succeeded", s.Succeeded)),
		failStyle.Render(fmt.Sprintf("%d failed", s.Failed)),
		timeStyle.Render(fmt.Sprintf("%d timed out", s.TimedOut)),
	)
}

func (m *Model) entry(i int) *entry {
	if i < 0 || i >= len(m.entries) {
		return nil
	}
	return &m.entries[i]
}

func columns(width int) []table.Column {
	// 4 columns, 1 cell of padding on each side, plus the pane border.
	w := width - 10
	idxW, statusW, timeW := 4, 10, 8
	deviceW := max(minColWidth, w-idxW-statusW-timeW)
	return []table.Column{
		{Title: "#", Width: idxW},
		{Title: "Device", Width: deviceW},
		{Title: "Status", Width: statusW},
		{Title: "Time", Width: timeW},
	}
}

func buildRows(entries []entry) []table.Row {
	rows := make([]table.Row, len(entries))
	for i, e := range entries {
		rows[i] = table.Row{fmt.Sprintf("%d", i+1), e.device, e.state, e.duration}
	}
	return rows
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
