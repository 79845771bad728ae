package shell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/InsulaLabs/projfs/internal/events"
	"github.com/InsulaLabs/projfs/internal/project"
)

const headerLines = 3

type tickMsg time.Time

type commandOutputMsg struct {
	output string
	isErr  bool
}

type notificationMsg events.Event

type displayEntryType int

const (
	displayEntryCommand displayEntryType = iota
	displayEntryOutput
	displayEntryNotice
)

type displayEntry struct {
	entryType displayEntryType
	content   string
	isErr     bool
}

type Model struct {
	session  *Session
	buffer   string
	cursor   int
	quitting bool
	cursorOn bool

	commands map[string]CLICmdHandler

	displayHistory []displayEntry
	viewport       viewport.Model
	ready          bool

	notifications <-chan events.Event
	unsubscribe   events.Unsubscriber

	promptStyle lipgloss.Style
	errStyle    lipgloss.Style
	noticeStyle lipgloss.Style

	ctx context.Context
}

type ReplConfig struct {
	SessionConfig SessionConfig
}

// New builds a shell over an attached project. Conflict and connection
// failure notifications from the project are shown inline.
func New(ctx context.Context, config ReplConfig, p *project.Project) Model {
	notifications := make(chan events.Event, 16)
	forward := events.SubscriberFunc(func(ctx context.Context, event events.Event) {
		if event.Topic != events.TopicTimeConflict && event.Topic != events.TopicConnectionFailed {
			return
		}
		select {
		case notifications <- event:
		default:
		}
	})
	unsubscribe, err := p.Events().SubscribeAll(forward)
	if err != nil {
		log.Warn("Shell will not show notifications", "error", err)
		unsubscribe = func() {}
	}

	return Model{
		session:       NewSession(config.SessionConfig, p),
		cursorOn:      true,
		commands:      getCommandMap(),
		notifications: notifications,
		unsubscribe:   unsubscribe,
		promptStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		errStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		noticeStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ctx:           ctx,
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Millisecond*500, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) waitForNotification() tea.Cmd {
	return func() tea.Msg {
		select {
		case event := <-m.notifications:
			return notificationMsg(event)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.waitForNotification())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, max(msg.Height-headerLines, 1))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = max(msg.Height-headerLines, 1)
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		m.cursorOn = !m.cursorOn
		return m, tick()
	case commandOutputMsg:
		if msg.output != "" {
			m.displayHistory = append(m.displayHistory, displayEntry{
				entryType: displayEntryOutput,
				content:   msg.output,
				isErr:     msg.isErr,
			})
		}
		return m, nil
	case notificationMsg:
		m.displayHistory = append(m.displayHistory, displayEntry{
			entryType: displayEntryNotice,
			content:   fmt.Sprintf("[%s] %s", msg.Topic, msg.Emitter),
		})
		return m, m.waitForNotification()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.buffer != "" {
			m.displayHistory = append(m.displayHistory, displayEntry{
				entryType: displayEntryCommand,
				content:   m.buffer + "^C",
			})
		}
		m.buffer = ""
		m.cursor = 0
		return m, nil
	case tea.KeyCtrlD:
		return m.quit()
	case tea.KeyEnter:
		command := strings.TrimSpace(m.buffer)
		m.buffer = ""
		m.cursor = 0
		if command == "" {
			return m, nil
		}
		log.Debug("Command received", "command", command)

		m.session.AddToHistory(command)
		m.displayHistory = append(m.displayHistory, displayEntry{
			entryType: displayEntryCommand,
			content:   m.session.GetPrompt() + command,
		})

		name, args := splitCommandIntoCommandAndArgs(command)
		if name == "exit" {
			return m.quit()
		}
		handler, ok := m.commands[name]
		if !ok {
			return m, func() tea.Msg {
				return commandOutputMsg{output: fmt.Sprintf("unknown command: %s (try 'help')", name), isErr: true}
			}
		}
		return m, m.runCommand(handler, args)
	case tea.KeyBackspace:
		if m.cursor > 0 {
			m.buffer = m.buffer[:m.cursor-1] + m.buffer[m.cursor:]
			m.cursor--
		}
		return m, nil
	case tea.KeyLeft:
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case tea.KeyRight:
		if m.cursor < len(m.buffer) {
			m.cursor++
		}
		return m, nil
	case tea.KeyUp:
		m.session.StartHistoryNavigation(m.buffer)
		if historyCmd := m.session.NavigateHistory(true); historyCmd != "" || m.session.IsInHistoryMode() {
			m.buffer = historyCmd
			m.cursor = len(m.buffer)
		}
		return m, nil
	case tea.KeyDown:
		if m.session.IsInHistoryMode() {
			m.buffer = m.session.NavigateHistory(false)
			m.cursor = len(m.buffer)
		}
		return m, nil
	case tea.KeySpace:
		m.buffer = m.buffer[:m.cursor] + " " + m.buffer[m.cursor:]
		m.cursor++
		return m, nil
	case tea.KeyRunes:
		text := msg.String()
		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") && len(text) > 2 {
			text = text[1 : len(text)-1]
		}
		text = strings.ReplaceAll(text, "\r", "")
		text = strings.ReplaceAll(text, "\n", " ")
		text = strings.ReplaceAll(text, "\t", " ")
		m.buffer = m.buffer[:m.cursor] + text + m.buffer[m.cursor:]
		m.cursor += len(text)
		return m, nil
	}
	return m, nil
}

// runCommand executes synchronously so cd takes effect before the next prompt
// is drawn; tree operations on an in-process store are quick.
func (m Model) runCommand(handler CLICmdHandler, args []string) tea.Cmd {
	output, err := handler(m.ctx, m.session, args)
	if err != nil {
		log.Debug("Command failed", "error", err)
		return func() tea.Msg {
			return commandOutputMsg{output: err.Error(), isErr: true}
		}
	}
	return func() tea.Msg {
		return commandOutputMsg{output: output}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	m.unsubscribe()
	return m, tea.Quit
}

func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	var header strings.Builder
	header.WriteString(fmt.Sprintf("projfs shell - project %s\n", m.session.project.Name()))
	header.WriteString("Type 'help' for available commands.\n")
	header.WriteString("Type 'exit' or press Ctrl+D to quit.\n")

	var b strings.Builder
	for _, entry := range m.displayHistory {
		content := strings.TrimSuffix(entry.content, "\n")
		switch {
		case entry.entryType == displayEntryCommand:
			b.WriteString(m.promptStyle.Render(content))
		case entry.entryType == displayEntryNotice:
			b.WriteString(m.noticeStyle.Render(content))
		case entry.isErr:
			b.WriteString(m.errStyle.Render(content))
		default:
			b.WriteString(content)
		}
		b.WriteString("\n")
	}

	b.WriteString(m.promptStyle.Render(m.session.GetPrompt()))
	b.WriteString(m.buffer[:m.cursor])
	if m.cursorOn {
		b.WriteString(m.session.GetActiveCursorSymbol())
	} else {
		b.WriteString(m.session.GetInactiveCursorSymbol())
	}
	b.WriteString(m.buffer[m.cursor:])

	if !m.ready {
		return header.String() + b.String() + "\n"
	}
	vp := m.viewport
	vp.SetContent(b.String())
	vp.GotoBottom()
	return header.String() + vp.View()
}
