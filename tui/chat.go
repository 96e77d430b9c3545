// Package tui is a terminal chat view driven by a conversation session.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
	"github.com/karthikraju391/go-nats-chat-sync/timeline"
)

// Conversation is the session surface the chat view uses.
type Conversation interface {
	ConversationID() string
	View() session.View
	SendText(ctx context.Context, text string) (string, error)
	Retry(ctx context.Context, id string) error
	Discard(id string) error
	Close() error
}

// ViewFeed returns a session change callback and the channel it feeds.
// Only the newest view is kept when the UI falls behind.
func ViewFeed() (func(session.View), <-chan session.View) {
	ch := make(chan session.View, 1)
	return func(v session.View) {
		for {
			select {
			case ch <- v:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}, ch
}

type viewMsg session.View

type actionDoneMsg struct {
	err error
}

type ChatModel struct {
	conv      Conversation
	views     <-chan session.View
	me        string
	view      session.View
	viewport  viewport.Model
	textarea  textarea.Model
	composing bool
	err       error
	width     int
	height    int
}

func NewChatModel(conv Conversation, views <-chan session.View, userID string) ChatModel {
	vp := viewport.New(80, 20)

	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.CharLimit = 4000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	return ChatModel{
		conv:     conv,
		views:    views,
		me:       userID,
		view:     conv.View(),
		viewport: vp,
		textarea: ta,
		width:    80,
		height:   30,
	}
}

func (m ChatModel) Init() tea.Cmd {
	return m.waitForView()
}

func (m ChatModel) waitForView() tea.Cmd {
	return func() tea.Msg {
		v, ok := <-m.views
		if !ok {
			return nil
		}
		return viewMsg(v)
	}
}

func (m ChatModel) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.conv.SendText(context.Background(), text)
		return actionDoneMsg{err: err}
	}
}

func (m ChatModel) retryCmd(id string) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: m.conv.Retry(context.Background(), id)}
	}
}

func (m ChatModel) discardCmd(id string) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: m.conv.Discard(id)}
	}
}

// newestFailed returns the id of the most recent failed message.
func (m ChatModel) newestFailed() (string, bool) {
	msgs := m.view.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].DeliveryState == models.StateFailed {
			return msgs[i].ID, true
		}
	}
	return "", false
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.updateViewportContent()
		return m, nil

	case viewMsg:
		atBottom := m.viewport.AtBottom()
		m.view = session.View(msg)
		m.updateViewportContent()
		if atBottom {
			m.viewport.GotoBottom()
		}
		return m, m.waitForView()

	case actionDoneMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.conv.Close()
			return m, tea.Quit
		}

		if m.composing {
			switch msg.String() {
			case "esc":
				m.composing = false
				m.textarea.Reset()
				m.textarea.Blur()
				m.resize()
				return m, nil
			case "ctrl+s":
				text := strings.TrimSpace(m.textarea.Value())
				if text == "" {
					return m, nil
				}
				m.textarea.Reset()
				m.err = nil
				return m, m.sendCmd(text)
			default:
				var cmd tea.Cmd
				m.textarea, cmd = m.textarea.Update(msg)
				return m, cmd
			}
		}

		switch msg.String() {
		case "q":
			m.conv.Close()
			return m, tea.Quit
		case "n", "c":
			m.composing = true
			m.resize()
			m.textarea.Focus()
			return m, textarea.Blink
		case "r":
			if id, ok := m.newestFailed(); ok {
				return m, m.retryCmd(id)
			}
			return m, nil
		case "d":
			if id, ok := m.newestFailed(); ok {
				return m, m.discardCmd(id)
			}
			return m, nil
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

func (m *ChatModel) resize() {
	headerHeight := 4
	helpHeight := 2
	textareaHeight := 0
	if m.composing {
		textareaHeight = 5
	}
	m.viewport.Width = max(m.width-4, 20)
	m.viewport.Height = max(m.height-headerHeight-helpHeight-textareaHeight, 3)
	m.textarea.SetWidth(m.viewport.Width)
}

func (m *ChatModel) updateViewportContent() {
	m.viewport.SetContent(m.render(m.viewport.Width))
}

func (m ChatModel) render(width int) string {
	if width <= 0 {
		width = 80
	}
	if len(m.view.Sections) == 0 {
		return normalStyle.Render("  No messages in this conversation.")
	}

	var content strings.Builder
	for i, section := range m.view.Sections {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString(lipgloss.PlaceHorizontal(width, lipgloss.Center, sectionStyle.Render(section.Label)) + "\n")
		for _, message := range section.Messages {
			content.WriteString(m.renderMessage(message, width))
		}
	}
	return content.String()
}

func (m ChatModel) renderMessage(message models.Message, width int) string {
	mine := message.SenderID == m.me
	sender := message.SenderDisplayName
	if mine {
		sender = "You"
	} else if sender == "" {
		sender = message.SenderID
	}

	header := fmt.Sprintf("%s • %s", sender, message.OrderingTime().Local().Format("3:04 PM"))
	if mine {
		header += " " + deliveryMark(message)
	}

	text := timeline.Summary(message)
	if mb, ok := message.Body.(models.MediaBody); ok && mb.Asset.RemoteURL != "" {
		text += "\n" + mb.Asset.RemoteURL
	}
	wrapped := wordwrap.String(text, max(width-10, 10))

	var b strings.Builder
	if mine {
		right := lipgloss.NewStyle().Align(lipgloss.Right).Width(width)
		b.WriteString(right.Render(messageHeaderStyle.Render(header)) + "\n")
		b.WriteString(right.Render(messageFromMeStyle.Render(wrapped)) + "\n")
		if message.DeliveryState == models.StateFailed && message.FailureReason != "" {
			b.WriteString(right.Render(failedStyle.Render(wordwrap.String(message.FailureReason, max(width-10, 10)))) + "\n")
		}
		return b.String()
	}
	b.WriteString(messageHeaderStyle.Render(header) + "\n")
	b.WriteString(messageFromOtherStyle.Render(wrapped) + "\n")
	return b.String()
}

// deliveryMark is the short status shown next to own messages.
func deliveryMark(message models.Message) string {
	switch message.DeliveryState {
	case models.StateComposing, models.StateSending:
		return "…"
	case models.StateUploading:
		return fmt.Sprintf("↑ %d%%", int(message.UploadProgress*100))
	case models.StateSent:
		return "✓"
	case models.StateAcknowledged:
		return "✓✓"
	case models.StateFailed:
		return "✗"
	}
	return ""
}

func (m ChatModel) View() string {
	s := titleStyle.Render(fmt.Sprintf("💬 %s", m.conv.ConversationID())) + "\n"

	if m.view.SyncLost {
		s += warnStyle.Render("Sync lost, showing last known messages") + "\n"
	}
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	}

	s += m.viewport.View() + "\n"

	if m.composing {
		s += "\n" + inputStyle.Render("New Message:") + "\n"
		s += m.textarea.View() + "\n"
		s += helpStyle.Render("ctrl+s: send • esc: cancel • ctrl+c: quit")
		return s
	}

	helpText := "↑↓/jk: scroll • n: new message • q: quit"
	if _, ok := m.newestFailed(); ok {
		helpText = "↑↓/jk: scroll • n: new message • r: retry failed • d: discard failed • q: quit"
	}
	s += "\n" + helpStyle.Render(helpText)
	return s
}
