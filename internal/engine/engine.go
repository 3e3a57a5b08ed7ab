package engine

import "context"

// Engine is a model backend (Ollama or Gemini) serving chat completions and
// embeddings.
type Engine interface {
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error)

	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// ModelManager is implemented by backends that host their own models and
// can download missing ones.
type ModelManager interface {
	// Ping returns an error when the backend is unreachable.
	Ping(ctx context.Context) error
	HasModel(ctx context.Context, name string) (bool, error)
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries sampling parameters. Zero values keep the backend
// default. JSON constrains the reply to a JSON object.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// PullProgress is one status line of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
