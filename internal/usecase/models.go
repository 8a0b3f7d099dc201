package usecase

import "chat-gateway/internal/domain"

var modelCatalogue = []domain.ModelInfo{
	{ID: "gpt2", Name: "GPT-2", Description: "OpenAI GPT-2 text generation model", Parameters: "124M"},
	{ID: "microsoft/DialoGPT-medium", Name: "DialoGPT Medium", Description: "Microsoft DialoGPT conversation model", Parameters: "117M"},
	{ID: "L3.2-8X3B", Name: "Llama 3.2 8X3B MOE", Description: "Dark Champion Instruct (18.4B parameters)", Parameters: "18.4B"},
	{ID: "L3.2-8X4B", Name: "Llama 3.2 8X4B MOE V2", Description: "Dark Champion Instruct V2 (21B parameters)", Parameters: "21B"},
}

// Models returns the advertised model catalogue.
func Models() []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(modelCatalogue))
	copy(out, modelCatalogue)
	return out
}
