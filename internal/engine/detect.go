package engine

import (
	"context"
	"fmt"
)

// Supported providers.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider      string // "ollama" (default) or "gemini"
	OllamaBaseURL string
	GeminiAPIKey  string
}

// Detect returns the Engine for the configured provider.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case ProviderGemini:
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
