package domain

import "time"

// Source records which path produced a GenerationResult.
type Source string

const (
	SourceBackend  Source = "backend"
	SourceFallback Source = "fallback"
)

// GenerationParams are the sampling parameters forwarded to the inference backend.
type GenerationParams struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	StopSequences []string
}

// GenerationResult is the request-scoped outcome of one dispatch. It is never
// persisted on its own.
type GenerationResult struct {
	Text      string    `json:"output"`
	Model     string    `json:"model"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelInfo describes an entry in the model catalogue.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  string `json:"parameters"`
}
