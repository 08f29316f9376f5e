package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sokinpui/patchloop/internal/orchestrator"
	"github.com/sokinpui/patchloop/model"
)

// --- Styles ---
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	pathStyle    = lipgloss.NewStyle()
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// --- Messages ---
type eventMsg orchestrator.Event

type resultMsg struct {
	result model.RunResult
	err    error
}

// RunFunc performs the run, reporting progress to obs.
type RunFunc func(ctx context.Context, obs orchestrator.Observer) (model.RunResult, error)

// programRef lets the value-typed Model reach the program that runs it.
type programRef struct{ p *tea.Program }

func (r *programRef) send(msg tea.Msg) {
	if r != nil && r.p != nil {
		r.p.Send(msg)
	}
}

// --- Model ---
type Model struct {
	run     RunFunc
	ctx     context.Context
	cancel  context.CancelFunc
	program *programRef
	spinner spinner.Model
	state   state

	iteration int
	current   orchestrator.State
	lines     []string

	result model.RunResult
	err    error
}

type state int

const (
	stateProcessing state = iota
	stateSummary
	stateError
)

func New(ctx context.Context, run RunFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	ctx, cancel := context.WithCancel(ctx)
	return Model{
		run:     run,
		ctx:     ctx,
		cancel:  cancel,
		program: &programRef{},
		spinner: s,
		state:   stateProcessing,
	}
}

// Run shows the spinner while run executes and returns its outcome. Quitting
// early cancels the run's context.
func Run(ctx context.Context, run RunFunc) (model.RunResult, error) {
	m := New(ctx, run)
	p := tea.NewProgram(m)
	m.program.p = p

	final, err := p.Run()
	m.cancel()
	if err != nil {
		return model.RunResult{}, fmt.Errorf("error running program: %w", err)
	}
	fm := final.(Model)
	switch fm.state {
	case stateSummary:
		return fm.result, nil
	case stateError:
		return fm.result, fm.err
	default:
		return model.RunResult{}, context.Canceled
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runLoop)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}

	case eventMsg:
		m.observe(orchestrator.Event(msg))
		return m, nil

	case resultMsg:
		m.result = msg.result
		if msg.err != nil {
			m.state = stateError
			m.err = msg.err
		} else {
			m.state = stateSummary
		}
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		if m.state == stateProcessing {
			m.spinner, cmd = m.spinner.Update(msg)
		}
		return m, cmd
	}
	return m, nil
}

func (m *Model) observe(e orchestrator.Event) {
	if e.Result != nil {
		return
	}
	if e.Iteration != m.iteration {
		m.iteration = e.Iteration
		m.lines = append(m.lines, headerStyle.Render(fmt.Sprintf("Iteration %d", e.Iteration)))
	}
	if !e.Done {
		m.current = e.State
		return
	}
	name := string(e.State)
	if e.Stage != "" {
		name = fmt.Sprintf("%s (%s)", e.State, e.Stage)
	}
	if e.Passed {
		m.lines = append(m.lines, successStyle.Render("  ✓ "+name))
	} else {
		m.lines = append(m.lines, errorStyle.Render("  ✗ "+name))
	}
}

func (m Model) View() string {
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	switch m.state {
	case stateProcessing:
		current := "starting"
		if m.current != "" {
			current = string(m.current)
		}
		b.WriteString(fmt.Sprintf("%s %s...", m.spinner.View(), current))
	case stateError:
		b.WriteString(errorStyle.Render("Error: ", m.err.Error()))
	case stateSummary:
		b.WriteString(m.renderSummary())
	}
	return b.String()
}

func (m *Model) renderSummary() string {
	var b strings.Builder
	res := m.result

	if res.Status == model.StatusPass {
		b.WriteString(successStyle.Render(fmt.Sprintf("Passed after %d iteration(s).", len(res.Iterations))))
	} else {
		reason := "iteration limit reached"
		if res.Reason == model.ReasonBudget {
			reason = "time budget exhausted"
		}
		b.WriteString(errorStyle.Render("Failed: " + reason))
	}
	b.WriteString("\n")

	if n := len(res.Iterations); n > 0 {
		if dir := res.Iterations[n-1].Apply.ArtifactDir; dir != "" {
			b.WriteString(faintStyle.Render("Artifacts: "))
			b.WriteString(pathStyle.Render(dir))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) runLoop() tea.Msg {
	res, err := m.run(m.ctx, func(e orchestrator.Event) {
		m.program.send(eventMsg(e))
	})
	return resultMsg{result: res, err: err}
}
