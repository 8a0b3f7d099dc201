package usecase

import (
	"fmt"
	"math/rand/v2"
)

const fallbackEchoRunes = 200

var fallbackTemplates = []func(prompt, model string) string{
	func(prompt, model string) string {
		return fmt.Sprintf("I understand you're asking about: '%s'. This is a simulated response from %s model. The system is currently using fallback mode.", prompt, model)
	},
	func(prompt, model string) string {
		return fmt.Sprintf("Hello! You said: '%s'. This is a test response from %s.", prompt, model)
	},
	func(prompt, model string) string {
		return fmt.Sprintf("The %s model is not reachable right now, so this is a placeholder reply to: '%s'. Please try again shortly.", model, prompt)
	},
}

// Synthesize builds a placeholder reply for when the backend cannot answer.
// It always returns a non-empty string.
func Synthesize(prompt, modelID string) string {
	if modelID == "" {
		modelID = "default"
	}
	runes := []rune(normalizePromptInput(prompt))
	if len(runes) > fallbackEchoRunes {
		runes = append(runes[:fallbackEchoRunes], []rune("...")...)
	}
	return fallbackTemplates[rand.IntN(len(fallbackTemplates))](string(runes), modelID)
}
