package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jmawson/candidate-chat/internal/model/chat"
)

var (
	candidateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	attachStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	linkStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Underline(true)
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
)

func roleLabel(role chat.Role) string {
	switch role {
	case chat.RoleCandidate:
		return candidateStyle.Render("you")
	case chat.RoleHR:
		return candidateStyle.Render("hr")
	case chat.RoleAssistant:
		return assistantStyle.Render("assistant")
	default:
		return systemStyle.Render(string(role))
	}
}

func renderTranscript(messages []chat.Message, width int) string {
	if len(messages) == 0 {
		return systemStyle.Render("No messages yet. Say hello!")
	}

	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(renderMessage(msg, width))
	}
	return b.String()
}

func renderMessage(msg chat.Message, width int) string {
	var b strings.Builder
	b.WriteString(roleLabel(msg.Role))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render(msg.Timestamp.Format("15:04")))
	b.WriteString("\n")

	content := msg.Content
	if width > 4 {
		content = lipgloss.NewStyle().Width(width).Render(content)
	}
	b.WriteString(content)

	if msg.HasAudio() {
		b.WriteString("\n")
		b.WriteString(attachStyle.Render("  ♪ voice reply attached"))
	}
	if msg.Map != nil {
		b.WriteString("\n")
		b.WriteString(renderMap(*msg.Map))
	}
	if msg.Media != nil {
		b.WriteString("\n")
		b.WriteString(renderMedia(*msg.Media))
	}
	return b.String()
}

func renderMap(m chat.MapAttachment) string {
	var lines []string
	switch m.Kind {
	case chat.MapKindAddress:
		lines = append(lines, fmt.Sprintf("⚑ %s", m.Address))
		if m.MapURL != "" {
			lines = append(lines, "  "+linkStyle.Render(m.MapURL))
		}
	case chat.MapKindNearby, chat.MapKindMultiLocation:
		for _, p := range m.Places {
			line := "⚑ " + p.Name
			if p.Address != "" {
				line += " — " + p.Address
			}
			if p.Rating != "" {
				line += fmt.Sprintf(" (%s★", p.Rating)
				if p.TotalReviews > 0 {
					line += fmt.Sprintf(", %d reviews", p.TotalReviews)
				}
				line += ")"
			}
			lines = append(lines, line)
		}
	case chat.MapKindDirections:
		for i, step := range m.Steps {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
		}
	case chat.MapKindDistance:
		if m.Route != nil {
			lines = append(lines, fmt.Sprintf("⚑ %s → %s: %s (%s)",
				m.Route.Origin, m.Route.Destination, m.Route.Distance, m.Route.Duration))
		}
	}
	if m.Summary != "" {
		lines = append(lines, m.Summary)
	}

	for i := range lines {
		lines[i] = "  " + lines[i]
	}
	return attachStyle.Render(strings.Join(lines, "\n"))
}

func renderMedia(m chat.MediaAttachment) string {
	label := "image"
	if m.Kind == chat.MediaKindVideo {
		label = "video"
	}
	title := m.Title
	if title == "" {
		title = m.URL
	}
	return attachStyle.Render("  ▶ "+label+": ") + linkStyle.Render(title) + statusStyle.Render(" ("+m.URL+")")
}

func renderPrompts(prompts []string) string {
	var b strings.Builder
	b.WriteString(promptStyle.Render("Try asking:"))
	for _, p := range prompts {
		b.WriteString("\n")
		b.WriteString(promptStyle.Render("  • " + p))
	}
	return b.String()
}
