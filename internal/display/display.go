// Package display renders live run progress for interactive terminals. It is
// purely cosmetic: commands run identically with it disabled, logging counts
// through slog instead.
package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	activityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	barStyle      = lipgloss.NewStyle().Padding(0, 1)
)

// Model is a single-task run view: spinner, progress bar, running counts.
type Model struct {
	title    string
	expected int

	spinner spinner.Model
	bar     progress.Model

	successful int
	failed     int
	activity   string
	start      time.Time

	finished bool
	runErr   error

	msgs <-chan tea.Msg
}

// NewModel builds a view for a run with an optional expected item count
// (zero hides the percentage). msgs feeds batch and finish events in.
func NewModel(title string, expected int, msgs <-chan tea.Msg) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &Model{
		title:    title,
		expected: expected,
		spinner:  s,
		bar:      progress.New(progress.WithDefaultGradient()),
		start:    time.Now(),
		msgs:     msgs,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForActivity())
}

func (m *Model) waitForActivity() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.msgs
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(0, msg.Width-4)
	case BatchMsg:
		m.successful += msg.Successful
		m.failed += msg.Failed
		if m.expected > 0 {
			cmds = append(cmds, m.bar.SetPercent(float64(m.successful+m.failed)/float64(m.expected)))
		}
		cmds = append(cmds, m.waitForActivity())
	case ActivityMsg:
		m.activity = msg.Activity
		cmds = append(cmds, m.waitForActivity())
	case RunFinishedMsg:
		m.finished = true
		m.runErr = msg.Err
		m.successful = msg.Successful
		m.failed = msg.Failed
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		if b, ok := barModel.(progress.Model); ok {
			m.bar = b
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	if !m.finished {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(fmt.Sprintf("%s  %s  elapsed %s\n",
		okStyle.Render(fmt.Sprintf("%d ok", m.successful)),
		failStyle.Render(fmt.Sprintf("%d failed", m.failed)),
		time.Since(m.start).Round(time.Second),
	))

	if m.expected > 0 {
		b.WriteString(barStyle.Render(m.bar.View()))
		b.WriteString("\n")
	}
	if m.activity != "" {
		b.WriteString(activityStyle.Render(m.activity))
		b.WriteString("\n")
	}
	if m.finished && m.runErr != nil {
		b.WriteString(failStyle.Render(fmt.Sprintf("run failed: %v", m.runErr)))
		b.WriteString("\n")
	}
	return b.String()
}

// Run drives the view until a RunFinishedMsg arrives or the user quits.
func Run(m *Model) error {
	_, err := tea.NewProgram(m).Run()
	return err
}
