// Package tui is the optional live view of a run. The supervisor reports
// snapshots into it and usage examples are printed above the view.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/animus-labs/requestor-go/internal/domain"
)

// StatusMsg carries one supervisor snapshot.
type StatusMsg struct {
	Instances []domain.Instance
	At        time.Time
}

type Model struct {
	title     string
	subtitle  string
	instances []domain.Instance
	updated   time.Time
	width     int
}

func NewModel(title, subtitle string) Model {
	return Model{title: title, subtitle: subtitle}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case StatusMsg:
		m.instances = msg.Instances
		m.updated = msg.At
	}
	return m, nil
}

func (m Model) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(m.title)
	sub := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		Render(m.subtitle)

	var rows []string
	if len(m.instances) == 0 {
		rows = append(rows, lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render("waiting for the first snapshot..."))
	}
	for _, inst := range m.instances {
		rows = append(rows, renderInstance(inst))
	}

	footer := ""
	if !m.updated.IsZero() {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Render("updated " + m.updated.Format(time.TimeOnly) + " · Ctrl+C to stop")
	}

	width := 48
	if m.width > 0 {
		width = max(20, m.width-4)
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(width).
		Render(strings.Join(rows, "\n"))

	return lipgloss.JoinVertical(lipgloss.Left, header, sub, box, footer) + "\n"
}

func renderInstance(inst domain.Instance) string {
	state := stateStyle(inst.State).Render(string(inst.State))
	line := fmt.Sprintf("%s: %s", inst.Name, state)
	if inst.Context != nil {
		line += lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("  activity " + inst.Context.ActivityID)
	}
	if inst.Err != nil {
		line += "\n  " + lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render(inst.Err.Error())
	}
	return line
}

func stateStyle(state domain.InstanceState) lipgloss.Style {
	switch state {
	case domain.InstanceStateRunning:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")).Bold(true)
	case domain.InstanceStateNegotiating:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	case domain.InstanceStateTerminated:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	}
}

// View runs the bubbletea program. It reads no keyboard input; signals are
// left to the caller.
type View struct {
	program *tea.Program
	done    chan struct{}

	mu  sync.Mutex
	buf strings.Builder
	err error
}

func Start(ctx context.Context, out io.Writer, model Model) *View {
	v := &View{
		program: tea.NewProgram(model,
			tea.WithContext(ctx),
			tea.WithOutput(out),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
		done: make(chan struct{}),
	}
	go func() {
		defer close(v.done)
		_, err := v.program.Run()
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
	}()
	return v
}

// Report implements supervisor.Reporter.
func (v *View) Report(instances []domain.Instance) {
	snapshot := make([]domain.Instance, len(instances))
	copy(snapshot, instances)
	v.program.Send(StatusMsg{Instances: snapshot, At: time.Now()})
}

// Write prints complete lines above the live view.
func (v *View) Write(p []byte) (int, error) {
	v.mu.Lock()
	v.buf.Write(p)
	pending := v.buf.String()
	idx := strings.LastIndexByte(pending, '\n')
	var lines []string
	if idx >= 0 {
		lines = strings.Split(pending[:idx], "\n")
		v.buf.Reset()
		v.buf.WriteString(pending[idx+1:])
	}
	v.mu.Unlock()

	for _, line := range lines {
		v.program.Println(line)
	}
	return len(p), nil
}

// Stop quits the program and waits for it to restore the terminal.
func (v *View) Stop() error {
	v.program.Quit()
	<-v.done
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil && !errors.Is(v.err, tea.ErrProgramKilled) {
		return v.err
	}
	return nil
}
