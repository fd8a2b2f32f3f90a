package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentworkforce/taskmirror/internal/reconcile"
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

// Engine is the subset of reconcile.Engine the terminal view drives.
type Engine interface {
	Snapshot() reconcile.Snapshot
	Subscribe(fn func(reconcile.Snapshot)) func()
	Refresh(ctx context.Context) error
	Withdraw(ctx context.Context, id string) error
	Undo(ctx context.Context, id string) error
	DismissNotice()
}

type snapshotMsg reconcile.Snapshot

type resultMsg struct {
	action string
	err    error
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1f9d88"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6f7d7d"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e88a3d"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#c2483f"))
	noticeStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#d7cbb3")).
			Padding(0, 1)
)

const helpLine = "↑/k ↓/j move · r refresh · w withdraw · u undo · d dismiss · q quit"

type Model struct {
	ctx     context.Context
	engine  Engine
	snap    reconcile.Snapshot
	cursor  int
	spinner spinner.Model
	status  string
	width   int
}

func NewModel(ctx context.Context, engine Engine) Model {
	s := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(titleStyle))
	return Model{
		ctx:     ctx,
		engine:  engine,
		snap:    engine.Snapshot(),
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case snapshotMsg:
		m.snap = reconcile.Snapshot(msg)
		m.clampCursor()
		return m, nil
	case resultMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.status = ""
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.snap.Tasks)-1 {
			m.cursor++
		}
	case "r":
		return m, m.run("refresh", m.engine.Refresh)
	case "w":
		if task, ok := m.selected(); ok {
			id := task.ID
			return m, m.run("withdraw", func(ctx context.Context) error { return m.engine.Withdraw(ctx, id) })
		}
	case "u":
		// Undo targets the most recent withdrawal.
		if n := len(m.snap.Undoable); n > 0 {
			id := m.snap.Undoable[n-1]
			return m, m.run("undo", func(ctx context.Context) error { return m.engine.Undo(ctx, id) })
		}
	case "d":
		m.status = ""
		return m, func() tea.Msg {
			m.engine.DismissNotice()
			return resultMsg{action: "dismiss"}
		}
	}
	return m, nil
}

// run performs an engine call off the update loop.
func (m Model) run(action string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return resultMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) selected() (tasks.Record, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Tasks) {
		return tasks.Record{}, false
	}
	return m.snap.Tasks[m.cursor], true
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.snap.Tasks) {
		m.cursor = len(m.snap.Tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Available tasks"))
	b.WriteString(" ")
	if m.snap.State != reconcile.StateIdle {
		b.WriteString(m.spinner.View())
		b.WriteString(mutedStyle.Render(" " + string(m.snap.State)))
	} else if m.snap.RefreshedAt != nil {
		b.WriteString(mutedStyle.Render("refreshed " + m.snap.RefreshedAt.Local().Format(time.Kitchen)))
	}
	b.WriteString("\n\n")

	if len(m.snap.Tasks) == 0 {
		b.WriteString(mutedStyle.Render("  No tasks available."))
		b.WriteString("\n")
	}
	for i, task := range m.snap.Tasks {
		line := formatTask(task)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}

	if notice := m.snap.Notice; notice != nil {
		text := notice.Message
		if notice.Kind == reconcile.NoticeWithdrawn && len(m.snap.Undoable) > 0 {
			text += "  (u to undo)"
		}
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(text))
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(helpLine))
	b.WriteString("\n")
	return b.String()
}

func formatTask(task tasks.Record) string {
	parts := []string{task.Title}
	if task.Owner.DisplayName != "" {
		parts = append(parts, task.Owner.DisplayName)
	}
	if task.Location != "" {
		parts = append(parts, task.Location)
	}
	if task.Deadline != "" {
		parts = append(parts, "due "+task.Deadline)
	}
	if price := formatPrice(task.PriceRange); price != "" {
		parts = append(parts, price)
	}
	if task.Origin == tasks.OriginLocalOnly {
		parts = append(parts, "draft")
	}
	return strings.Join(parts, " · ")
}

func formatPrice(p tasks.PriceRange) string {
	switch {
	case p.Min == 0 && p.Max == 0:
		return ""
	case p.Min == p.Max || p.Max == 0:
		return fmt.Sprintf("£%.0f", p.Min)
	default:
		return fmt.Sprintf("£%.0f-%.0f", p.Min, p.Max)
	}
}

// Run drives the terminal view until the user quits or ctx ends.
func Run(ctx context.Context, engine Engine, opts ...tea.ProgramOption) error {
	model := NewModel(ctx, engine)
	program := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)...)

	notify := make(chan struct{}, 1)
	unsubscribe := engine.Subscribe(func(reconcile.Snapshot) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-notify:
				program.Send(snapshotMsg(engine.Snapshot()))
			}
		}
	}()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
