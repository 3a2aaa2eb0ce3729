package render

import (
	"strings"
)

// Subject is a one-line summary used as e-mail and SNS subject.
func (m Message) Subject() string {
	if len(m.Embeds) > 0 && m.Embeds[0].Title != "" {
		return m.Embeds[0].Title
	}
	if line, _, _ := strings.Cut(m.Content, "\n"); line != "" {
		return truncate(line, 100)
	}
	return "jellycast notification"
}

// Text renders the message as plain text with markdown emphasis removed.
func (m Message) Text() string {
	var b strings.Builder
	if m.Content != "" {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	for i, e := range m.Embeds {
		if i > 0 || m.Content != "" {
			b.WriteString("\n")
		}
		b.WriteString(e.Title)
		b.WriteString("\n")
		if e.Description != "" {
			b.WriteString(e.Description)
			b.WriteString("\n")
		}
		for _, f := range e.Fields {
			b.WriteString(f.Name)
			b.WriteString(": ")
			b.WriteString(strings.ReplaceAll(f.Value, "\n", "\n  "))
			b.WriteString("\n")
		}
	}
	return strings.ReplaceAll(strings.TrimRight(b.String(), "\n"), "**", "")
}
