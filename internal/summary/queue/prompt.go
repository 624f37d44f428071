package queue

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"groupsummary/internal/summary"
)

const promptRequirements = "Requirements: use a clear layered structure and mention who said what when it matters. " +
	"Format the answer with Markdown headings, lists and emphasis where they fit. Do not use diagrams."

// BuildPrompt assembles the instruction sent with the chat log: the style
// directive, the task line and the formatting requirements.
// userNames narrows the task to those users.
func BuildPrompt(style string, userNames []string, keyword string) string {
	var parts []string
	if style = strings.TrimSpace(style); style != "" {
		parts = append(parts, fmt.Sprintf("Important: write the summary strictly in the style %q.", style))
	}

	keyword = strings.TrimSpace(keyword)
	switch {
	case len(userNames) > 0:
		task := fmt.Sprintf("Task: in the chat log below, summarize in detail what the users [%s] said", strings.Join(userNames, ", "))
		if keyword != "" {
			task += fmt.Sprintf(", limited to statements about %q.", keyword)
		} else {
			task += ", covering all of their statements and main points."
		}
		parts = append(parts, task)
		if len(userNames) > 1 {
			parts = append(parts, fmt.Sprintf("Note: there are %d different users; summarize each one separately.", len(userNames)))
		}
	case keyword != "":
		parts = append(parts, fmt.Sprintf("Task: summarize in detail only the parts of the conversation below related to %q.", keyword))
	default:
		parts = append(parts, "Task: analyze the chat log below and summarize the main topics and how the discussion developed.")
	}

	parts = append(parts, promptRequirements)
	return strings.Join(parts, "\n\n")
}

const maxLineRunes = 2000

// ProcessMessages turns fetched messages into model lines. Names come from
// names, then the message, then "user_<id>". Blank messages are dropped.
func ProcessMessages(msgs []summary.ChatMessage, names map[int64]string) []summary.Line {
	out := make([]summary.Line, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) > maxLineRunes {
			text = string([]rune(text)[:maxLineRunes]) + "…"
		}
		name := strings.TrimSpace(names[m.UserID])
		if name == "" {
			name = strings.TrimSpace(m.Name)
		}
		if name == "" {
			name = fmt.Sprintf("user_%d", m.UserID)
		}
		out = append(out, summary.Line{Name: name, Content: text})
	}
	return out
}
