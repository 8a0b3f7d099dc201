package usecase

import (
	"regexp"
	"strings"

	"chat-gateway/internal/domain"
)

var (
	headerMarker  = regexp.MustCompile(`<\|start_header_id\|>[^<]*<\|end_header_id\|>`)
	chatMLStart   = regexp.MustCompile(`<\|im_start\|>(?:system|user|assistant)?`)
	plainMarkers  = strings.NewReplacer("<|begin_of_text|>", "", "<|eot_id|>", "", "<|end_of_text|>", "", "<|im_end|>", "")
	speakerPrefix = regexp.MustCompile(`(?i)^(?:assistant|ai)\s*:\s*`)
)

// cleanOutput removes template residue the backend may echo around its answer:
// chat-template control markers, the prompt itself, and a leading speaker tag.
func cleanOutput(text, prompt string) string {
	text = headerMarker.ReplaceAllString(text, "")
	text = chatMLStart.ReplaceAllString(text, "")
	text = plainMarkers.Replace(text)
	text = strings.TrimSpace(text)

	if p := strings.TrimSpace(prompt); p != "" {
		text = strings.TrimSpace(strings.TrimPrefix(text, p))
	}
	for {
		stripped := speakerPrefix.ReplaceAllString(text, "")
		if stripped == text {
			break
		}
		text = strings.TrimSpace(stripped)
	}
	return text
}

// transcriptPrompt renders prior turns plus the new message in the
// "User:/Assistant:" form the default stop sequences expect.
func transcriptPrompt(history []domain.Message, message string) string {
	var b strings.Builder
	for _, m := range history {
		content := normalizePromptInput(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			b.WriteString("User: ")
		case domain.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return message
	}
	b.WriteString("User: ")
	b.WriteString(message)
	b.WriteString("\nAssistant:")
	return b.String()
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
