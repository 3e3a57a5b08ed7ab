package engine

import (
	"context"

	"github.com/kalambet/astrorag/internal/llm"
	"github.com/kalambet/astrorag/internal/retrieval"
)

// Completer adapts a chat model on eng to llm.Completer. Output is requested
// as a JSON object.
func Completer(eng Engine, model string) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, req llm.Request) (string, error) {
		msgs := make([]Message, 0, 2)
		if req.System != "" {
			msgs = append(msgs, Message{Role: "system", Content: req.System})
		}
		msgs = append(msgs, Message{Role: "user", Content: req.Prompt})

		return eng.Chat(ctx, model, msgs, ChatOptions{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			JSON:        true,
		})
	})
}

// EmbeddingProvider adapts an embedding model on eng to
// retrieval.EmbeddingProvider.
func EmbeddingProvider(eng Engine, model string) retrieval.EmbeddingProvider {
	return retrieval.EmbeddingFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		return eng.Embed(ctx, model, texts)
	})
}
