package headless

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"mailpulse/internal/connstate"
	"mailpulse/internal/token"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusStyles = map[string]lipgloss.Style{
		connstate.KeyIdle:             lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		connstate.KeyConnecting:       lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		connstate.KeyAuthenticated:    lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
		connstate.KeyConnected:        lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true),
		connstate.KeyReconnecting:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		connstate.KeyDisconnected:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		connstate.KeyDisconnectedAuth: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

const chromeHeight = 12 // header + panels + footer rows around the log view

func (m *model) resizeLogView() {
	logHeight := m.height - chromeHeight
	if logHeight < 3 {
		logHeight = 3
	}
	if !m.ready {
		m.logView = viewport.New(m.width-4, logHeight)
		m.ready = true
	} else {
		m.logView.Width = m.width - 4
		m.logView.Height = logHeight
	}
	m.logView.SetContent(joinLines(m.logLines))
	m.logView.GotoBottom()
}

func (m *model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("mailpulse " + m.version))
	b.WriteString("  ")
	b.WriteString(m.statusBadge())
	b.WriteString("\n\n")

	b.WriteString(m.tokenPanel())
	b.WriteString("\n")
	b.WriteString(m.messageLine())
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("error: " + m.lastError))
	}
	b.WriteString("\n\n")
	b.WriteString(panelStyle.Render(m.logView.View()))
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("[c] connect  [d] disconnect  [s] sign out  [↑/↓] scroll  [q] quit"))
	return b.String()
}

func (m *model) statusBadge() string {
	style, ok := statusStyles[connstate.Key(m.status)]
	if !ok {
		style = valueStyle
	}
	text := m.status
	if m.connecting || connstate.Key(m.status) == connstate.KeyConnecting || connstate.Key(m.status) == connstate.KeyReconnecting {
		text = m.spin.View() + text
	}
	return style.Render("● " + text)
}

func (m *model) tokenPanel() string {
	statuses := m.agent.TokenStatus()
	lines := []string{
		tokenLine("delegated", statuses.Delegated),
		tokenLine("app credentials", statuses.AppCredentials),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func tokenLine(label string, status *token.Status) string {
	if status == nil {
		return labelStyle.Render(fmt.Sprintf("%-16s", label)) + valueStyle.Render("not configured")
	}
	var state string
	switch {
	case status.Refreshing:
		state = "refreshing"
	case status.Valid:
		state = fmt.Sprintf("valid, expires in %s", formatDuration(status.ExpiresIn))
	case status.Authenticated:
		state = "expired"
	default:
		state = "not acquired"
	}
	return labelStyle.Render(fmt.Sprintf("%-16s", label)) + valueStyle.Render(state)
}

func (m *model) messageLine() string {
	if m.lastMessage == nil {
		return labelStyle.Render("last message    ") + valueStyle.Render("none")
	}
	msg := m.lastMessage
	when := ""
	if !msg.Timestamp.IsZero() {
		when = " at " + msg.Timestamp.Local().Format(time.Kitchen)
	}
	return labelStyle.Render("last message    ") +
		valueStyle.Render(fmt.Sprintf("%s (%s)%s", msg.Type, msg.ID, when))
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
