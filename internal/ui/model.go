// Package ui renders the conversation in the terminal: a viewport
// transcript over a one-line prompt, driven by store change
// notifications and channel events.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jmawson/candidate-chat/internal/app"
	"github.com/jmawson/candidate-chat/internal/channel"
	"github.com/jmawson/candidate-chat/internal/voice"
)

type transcriptChangedMsg struct{}

type channelEventMsg struct {
	event channel.Event
}

type sendDoneMsg struct {
	err error
}

type voiceDoneMsg struct {
	err error
}

// Model is the bubbletea model for one chat session.
type Model struct {
	app      *app.App
	viewport viewport.Model
	input    textinput.Model

	storeSub <-chan struct{}
	events   <-chan channel.Event

	width     int
	height    int
	ready     bool
	status    string
	notice    string
	sentOnce  bool
	recording bool
}

// New builds the model for a started app.
func New(a *app.App) Model {
	input := textinput.New()
	input.Placeholder = "Ask about the role, the office, the team..."
	input.Focus()
	input.CharLimit = 2000

	return Model{
		app:      a,
		input:    input,
		storeSub: a.Store().Subscribe(),
		events:   a.ChannelEvents(),
		status:   a.ChannelState().String(),
	}
}

func waitForTranscript(sub <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-sub
		return transcriptChangedMsg{}
	}
}

func waitForChannelEvent(events <-chan channel.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return channelEventMsg{event: ev}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForTranscript(m.storeSub), waitForChannelEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - m.chromeHeight()
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.input.Width = msg.Width - 4
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.app.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.sentOnce = true
			m.notice = ""
			return m, m.sendCmd(text)
		case tea.KeyCtrlR:
			return m.toggleRecording()
		}

	case transcriptChangedMsg:
		m.refreshTranscript()
		m.viewport.GotoBottom()
		return m, waitForTranscript(m.storeSub)

	case channelEventMsg:
		switch ev := msg.event.(type) {
		case channel.StateEvent:
			m.status = ev.State.String()
		case channel.NoticeEvent:
			m.notice = ev.Text
		}
		return m, waitForChannelEvent(m.events)

	case sendDoneMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("message not sent: %v", msg.err)
		}
		return m, nil

	case voiceDoneMsg:
		m.recording = false
		switch {
		case msg.err == nil:
			m.notice = ""
		case errors.Is(msg.err, voice.ErrNoAudio):
			m.notice = "nothing recorded"
		default:
			m.notice = fmt.Sprintf("voice message failed: %v", msg.err)
		}
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderTranscript(m.app.Store().Messages(), m.viewport.Width))
}

// chromeHeight is everything around the viewport: header, notice,
// input, and the prompt hints while they are shown.
func (m Model) chromeHeight() int {
	h := 4
	if !m.sentOnce {
		h += len(app.SuggestedPrompts()) + 1
	}
	return h
}

func (m Model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return sendDoneMsg{err: m.app.Send(context.Background(), text)}
	}
}

func (m Model) toggleRecording() (tea.Model, tea.Cmd) {
	if !m.recording {
		if err := m.app.StartRecording(context.Background()); err != nil {
			m.notice = fmt.Sprintf("recording failed: %v", err)
			return m, nil
		}
		m.recording = true
		m.notice = "recording... press ctrl+r to send"
		return m, nil
	}

	m.notice = "sending voice message..."
	return m, func() tea.Msg {
		return voiceDoneMsg{err: m.app.StopRecording(context.Background())}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("candidate chat"))
	b.WriteString("  ")
	status := m.status
	if m.recording {
		status += " · recording"
	}
	b.WriteString(statusStyle.Render("[" + status + "]"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	if !m.sentOnce {
		b.WriteString("\n")
		b.WriteString(renderPrompts(app.SuggestedPrompts()))
	}
	return b.String()
}
