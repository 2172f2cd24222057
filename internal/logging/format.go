package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// FormatEventLine renders one event as a plain single-block log line.
func FormatEventLine(event Event) string {
	ts := event.Time.Format("15:04:05")
	level := strings.ToUpper(event.Level.String())
	fields := ""
	if len(event.Fields) > 0 {
		keys := sortedFieldKeys(event.Fields)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, formatFieldValue(event.Fields[key])))
		}
		fields = " " + strings.Join(parts, " ")
	}
	return fmt.Sprintf("%s [%s] %s%s\n", ts, level, event.Message, fields)
}

// FormatEventStyled renders one event with color badges for terminal/TUI use.
func FormatEventStyled(event Event) string {
	label, style := levelBadge(event.Level)
	ts := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render(event.Time.Format("15:04:05"))
	msg := lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Render(event.Message)
	line := ts + " " + style.Render(label) + " " + msg
	if len(event.Fields) == 0 {
		return line
	}
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	keys := sortedFieldKeys(event.Fields)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, keyStyle.Render(key)+sepStyle.Render("=")+formatFieldValue(event.Fields[key]))
	}
	return line + " " + strings.Join(parts, " ")
}

func levelBadge(level slog.Level) (string, lipgloss.Style) {
	base := lipgloss.NewStyle().Bold(true)
	switch {
	case level <= slog.LevelDebug:
		return "DBG", base.Foreground(lipgloss.Color("245"))
	case level <= slog.LevelInfo:
		return "INF", base.Foreground(lipgloss.Color("39"))
	case level <= slog.LevelWarn:
		return "WRN", base.Foreground(lipgloss.Color("214"))
	default:
		return "ERR", base.Foreground(lipgloss.Color("196"))
	}
}

func sortedFieldKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatFieldValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case error:
		return quoteIfSpaced(v.Error())
	case string:
		return quoteIfSpaced(v)
	case []byte:
		return quoteIfSpaced(string(v))
	default:
		return fmt.Sprintf("%v", value)
	}
}

func quoteIfSpaced(value string) string {
	if value == "" {
		return "<empty>"
	}
	if strings.ContainsAny(value, " \t\n") {
		return fmt.Sprintf("%q", strings.ReplaceAll(value, "\n", " "))
	}
	return value
}

// FormatHTTPPayload normalizes HTTP response payloads for log output,
// decoding JSON bodies so escaped characters render cleanly.
func FormatHTTPPayload(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<empty>"
	}

	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil {
		trimmed = strings.TrimSpace(quoted)
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(value); encErr == nil {
			return strings.TrimSpace(buf.String())
		}
	}

	return trimmed
}
