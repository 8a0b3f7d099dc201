package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"chat-gateway/internal/domain"
)

const defaultWidth = 80

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

func renderMarkdown(md string, width int) (string, error) {
	wrap := width - 4
	if wrap < 20 {
		wrap = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return r.Render(md)
}

// transcriptMarkdown renders a chat as a markdown document, one section per message.
func transcriptMarkdown(rec domain.ChatRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rec.ID)
	if !rec.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "_Created %s", formatTime(rec.CreatedAt))
		if rec.StorageDate != "" {
			fmt.Fprintf(&b, ", stored under %s", rec.StorageDate)
		}
		b.WriteString("_\n\n")
	}
	for _, m := range rec.Messages {
		heading := "User"
		if m.Role == domain.RoleAssistant {
			heading = "Assistant"
			if m.Model != "" {
				heading += " (" + m.Model + ")"
			}
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, strings.TrimSpace(m.Content))
	}
	if len(rec.Messages) == 0 {
		b.WriteString("_No messages._\n")
	}
	return b.String()
}
