// Package tui renders live build progress in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/fentz26/ninjateam/internal/events"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	busyStyle = lipgloss.NewStyle().Foreground(cyanColor)
	idleStyle = lipgloss.NewStyle().Foreground(successColor)
	lostStyle = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle = lipgloss.NewStyle().Foreground(warningColor)
)

// maxLog bounds the recent-activity panel.
const maxLog = 8

// Monitor is the progress view model. It is fed by build events.
type Monitor struct {
	events      <-chan events.Event
	onInterrupt func()

	spinner  spinner.Model
	progress progress.Model
	width    int

	mode     string
	done     int
	total    int
	eta      time.Duration
	failed   int
	cached   int
	started  time.Time
	agents   map[string]*agentRow
	log      []logLine
	finished bool
	status   string
}

// NewMonitor creates a Monitor reading from ch. onInterrupt is called when
// the user presses ctrl+c; the monitor keeps running until ch is closed.
func NewMonitor(ch <-chan events.Event, onInterrupt func()) *Monitor {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &Monitor{
		events:      ch,
		onInterrupt: onInterrupt,
		spinner:     sp,
		progress:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		width:       80,
		started:     time.Now(),
		agents:      make(map[string]*agentRow),
	}
}

// Run drives the monitor until the event channel closes or ctx ends.
func (m *Monitor) Run(ctx context.Context, out io.Writer) error {
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(out))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (m *Monitor) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

// Init implements tea.Model
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// Update implements tea.Model
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.onInterrupt != nil {
				m.onInterrupt()
				m.onInterrupt = nil
				m.status = "interrupting, waiting for running units"
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-20, 10), 80)
		return m, nil

	case eventMsg:
		m.apply(events.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, m.waitForEvent()

	case closedMsg:
		m.finished = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds one event into the view state.
func (m *Monitor) apply(e events.Event) {
	switch e.Kind {
	case events.SessionStarted:
		m.mode = e.Message
	case events.ModeChanged:
		m.mode = e.Details["to"]
	case events.AgentReady:
		m.agent(e.Agent).State = "idle"
	case events.AgentLost, events.HostExcluded:
		a := m.agent(e.Agent)
		a.State, a.Unit, a.Reason = "lost", "", e.Message
	case events.UnitDispatched:
		a := m.agent(e.Agent)
		a.State, a.Unit, a.Since = "busy", e.Unit, e.When
	case events.UnitCompleted:
		if a := m.release(e.Unit); a != nil {
			a.Units++
		}
	case events.UnitFailed, events.UnitRetried:
		if e.Kind == events.UnitFailed {
			m.failed++
		}
		m.release(e.Unit)
	case events.UnitCached:
		m.cached++
	case events.Progress:
		m.done, m.total, m.eta = e.Done, e.Total, e.ETA
	case events.SessionFinished:
		m.finished = true
		m.status = e.Message
	}
	if text := describe(e); text != "" {
		m.log = append(m.log, logLine{When: e.When, Kind: e.Kind, Text: text})
		if len(m.log) > maxLog {
			m.log = m.log[len(m.log)-maxLog:]
		}
	}
}

// release idles the agent running unit, if any.
func (m *Monitor) release(unit string) *agentRow {
	for _, a := range m.agents {
		if a.State == "busy" && a.Unit == unit {
			a.State, a.Unit = "idle", ""
			return a
		}
	}
	return nil
}

func (m *Monitor) agent(name string) *agentRow {
	a, ok := m.agents[name]
	if !ok {
		a = &agentRow{Name: name, State: "idle"}
		m.agents[name] = a
	}
	return a
}

func describe(e events.Event) string {
	switch e.Kind {
	case events.UnitStolen:
		return fmt.Sprintf("%s stole %s from %s", e.Agent, e.Unit, e.Details["from"])
	case events.UnitRetried:
		return fmt.Sprintf("retrying %s: %s", e.Unit, e.Message)
	case events.UnitFailed:
		return fmt.Sprintf("%s failed: %s", e.Unit, e.Message)
	case events.UnitBlocked:
		return fmt.Sprintf("%s blocked", e.Unit)
	case events.AgentLost:
		return fmt.Sprintf("lost %s: %s", e.Agent, e.Message)
	case events.HostExcluded:
		return fmt.Sprintf("excluded %s: %s", e.Agent, e.Message)
	case events.ModeChanged:
		return "falling back to single-host mode: " + e.Message
	}
	return ""
}

// View implements tea.Model
func (m *Monitor) View() string {
	var b strings.Builder

	header := titleStyle.Render("ninjateam")
	if m.mode != "" {
		header += " " + helpStyle.Render("["+m.mode+"]")
	}
	if !m.finished {
		header += " " + m.spinner.View()
	}
	b.WriteString(header + "\n\n")

	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	b.WriteString(" " + m.progress.ViewAs(pct) + "\n")
	line := fmt.Sprintf(" %d/%d units", m.done, m.total)
	if m.cached > 0 {
		line += fmt.Sprintf(", %d cached", m.cached)
	}
	if m.failed > 0 {
		line += ", " + lostStyle.Render(fmt.Sprintf("%d failed", m.failed))
	}
	line += "  elapsed " + time.Since(m.started).Round(time.Second).String()
	if m.eta > 0 && !m.finished {
		line += "  eta " + m.eta.Round(time.Second).String()
	}
	b.WriteString(line + "\n\n")

	b.WriteString(panelStyle.Render(m.agentPanel()) + "\n")

	if len(m.log) > 0 {
		var lb strings.Builder
		for i, l := range m.log {
			if i > 0 {
				lb.WriteString("\n")
			}
			text := l.Text
			if l.Kind == events.UnitFailed || l.Kind == events.AgentLost {
				text = lostStyle.Render(text)
			} else if l.Kind != events.UnitStolen {
				text = warnStyle.Render(text)
			}
			lb.WriteString(text)
		}
		b.WriteString(panelStyle.Render(lb.String()) + "\n")
	}

	if m.status != "" {
		b.WriteString(helpStyle.Render(m.status) + "\n")
	} else if !m.finished {
		b.WriteString(helpStyle.Render("ctrl+c to stop") + "\n")
	}
	return b.String()
}

func (m *Monitor) agentPanel() string {
	if len(m.agents) == 0 {
		return helpStyle.Render("waiting for agents")
	}
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		a := m.agents[name]
		if i > 0 {
			b.WriteString("\n")
		}
		var state string
		switch a.State {
		case "busy":
			state = busyStyle.Render("● busy")
		case "lost":
			state = lostStyle.Render("✗ lost")
		default:
			state = idleStyle.Render("○ idle")
		}
		fmt.Fprintf(&b, "%-20s %s  %3d done", a.Name, state, a.Units)
		if a.Unit != "" {
			b.WriteString("  " + a.Unit)
		}
	}
	return b.String()
}
