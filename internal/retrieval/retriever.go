package retrieval

import (
	"context"
	"log/slog"
)

// Snippet is a retrieved chunk ready for prompt assembly.
type Snippet struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Source    string  `json:"source"`
	SourceURI string  `json:"sourceUri,omitempty"`
	Page      int     `json:"page,omitempty"`
	Score     float64 `json:"score"`
}

const (
	DefaultTopK = 5
	// MaxTopK bounds how many snippets one question can pull into a prompt.
	MaxTopK = 50
)

// Retriever embeds a question and looks it up in the knowledge-base namespace.
type Retriever struct {
	embedder  *Embedder
	index     VectorIndex
	namespace string
	logger    *slog.Logger
}

// NewRetriever creates a Retriever over the default knowledge-base namespace.
func NewRetriever(embedder *Embedder, index VectorIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index, namespace: Namespace, logger: slog.Default()}
}

// WithNamespace returns a copy of r that queries another namespace.
func (r *Retriever) WithNamespace(ns string) *Retriever {
	cp := *r
	cp.namespace = ns
	return &cp
}

// Retrieve returns up to topK snippets ordered by relevance. topK is capped at
// MaxTopK. Retrieval is
// best-effort: any embedding or index failure is logged and yields an empty
// result so the answer path can continue without context.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int, sourceURI string) []Snippet {
	if topK <= 0 {
		topK = DefaultTopK
	}
	topK = min(topK, MaxTopK)

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		r.logger.Warn("retrieval: embedding question failed", "error", err)
		return []Snippet{}
	}

	matches, err := r.index.Query(ctx, r.namespace, vec, topK, FilterBySource(sourceURI))
	if err != nil {
		r.logger.Warn("retrieval: index query failed", "error", err, "namespace", r.namespace)
		return []Snippet{}
	}

	return matchesToSnippets(matches)
}

func matchesToSnippets(matches []Match) []Snippet {
	snippets := make([]Snippet, len(matches))
	for i, m := range matches {
		snippets[i] = Snippet{
			ID:        m.ID,
			Text:      m.Metadata.Text,
			Source:    m.Metadata.Source,
			SourceURI: m.Metadata.SourceURI,
			Page:      m.Metadata.Page,
			Score:     clampScore(float64(m.Score)),
		}
	}
	return snippets
}

// clampScore maps a cosine similarity into [0,1]. NaN becomes 0.
func clampScore(s float64) float64 {
	if !(s > 0) {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
