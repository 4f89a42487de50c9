// Package tui is the terminal chat front-end.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xhad/handbookqa/pkg/chat"
	"github.com/xhad/handbookqa/pkg/rag"
)

type speaker int

const (
	speakerUser speaker = iota
	speakerAssistant
	speakerError
)

type entry struct {
	speaker speaker
	text    string
	sources []rag.Source
}

type answerMsg struct {
	answer *rag.Answer
	err    error
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	ctx     context.Context
	session *chat.Session
	courses []string
	course  int

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	transcript []entry
	waiting    bool
	status     string
	ready      bool
}

func New(ctx context.Context, session *chat.Session, courses []string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about your handbook and press Enter"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:      ctx,
		session:  session,
		courses:  courses,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		status:   "tab: switch course  ctrl+l: clear  ctrl+c: quit",
	}
	for i, name := range courses {
		if name == session.Course() {
			m.course = i
		}
	}
	if session.Course() == "" && len(courses) > 0 {
		_ = session.SetCourse(courses[0])
	}
	return m
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, bh := transcriptStyle.GetFrameSize()
		_, qh := inputStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 + bh // header, status, input box, spacer, frame
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved)
		m.input.Width = max(10, msg.Width-6)
		m.refresh()
		return m, nil

	case answerMsg:
		m.waiting = false
		if msg.err != nil {
			m.transcript = append(m.transcript, entry{speaker: speakerError, text: chat.ErrorMessage})
			m.status = "Error: " + msg.err.Error()
		} else {
			m.transcript = append(m.transcript, entry{speaker: speakerAssistant, text: msg.answer.Text, sources: msg.answer.Sources})
			m.status = ""
			if msg.answer.NoContext {
				m.status = "No relevant context found in the handbook."
			}
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "tab":
			if m.waiting || len(m.courses) == 0 {
				return m, nil
			}
			m.course = (m.course + 1) % len(m.courses)
			if err := m.session.SetCourse(m.courses[m.course]); err != nil {
				m.status = "Error: " + err.Error()
			} else {
				m.status = "Switched to " + m.courses[m.course]
			}
			return m, nil
		case "ctrl+l":
			if m.waiting {
				return m, nil
			}
			m.session.Clear()
			m.transcript = nil
			m.status = "History cleared."
			m.refresh()
			return m, nil
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.waiting {
				return m, nil
			}
			m.input.Reset()
			m.transcript = append(m.transcript, entry{speaker: speakerUser, text: q})
			m.waiting = true
			m.status = ""
			m.refresh()
			return m, tea.Batch(m.spinner.Tick, m.ask(q))
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(question string) tea.Cmd {
	ctx, session := m.ctx, m.session
	return func() tea.Msg {
		answer, err := session.Ask(ctx, question)
		return answerMsg{answer: answer, err: err}
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("Handbook Assistant") + "  " + courseStyle.Render(m.currentCourse())
	status := statusStyle.Render(m.status)
	if m.waiting {
		status = m.spinner.View() + " Thinking..."
	}
	return header + "\n\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		status
}

func (m Model) currentCourse() string {
	if len(m.courses) == 0 {
		return "no course"
	}
	return m.courses[m.course]
}

func (m Model) renderTranscript() string {
	if len(m.transcript) == 0 {
		return helpStyle.Render("Select a course with tab, then ask a question.")
	}
	width := max(10, m.viewport.Width-2)
	var b strings.Builder
	for i, e := range m.transcript {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch e.speaker {
		case speakerUser:
			b.WriteString(userStyle.Render("You: "))
		case speakerAssistant:
			b.WriteString(assistantStyle.Render("Assistant: "))
		case speakerError:
			b.WriteString(errorStyle.Render("Assistant: "))
		}
		b.WriteString(lipgloss.NewStyle().Width(width).Render(e.text))
		if len(e.sources) > 0 {
			refs := make([]string, len(e.sources))
			for j, s := range e.sources {
				refs[j] = fmt.Sprintf("%s p.%d (%.2f)", s.Filename, s.Page, s.Score)
			}
			b.WriteString("\n" + helpStyle.Render("Sources: "+strings.Join(refs, ", ")))
		}
	}
	return b.String()
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	courseStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	helpStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	assistantStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Run starts the full-screen chat and blocks until the user quits.
func Run(ctx context.Context, session *chat.Session, courses []string) error {
	p := tea.NewProgram(New(ctx, session, courses), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
