package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultBatchSize    = 10
	DefaultEmbedTimeout = 30 * time.Second
)

// EmbeddingProvider turns a batch of texts into one vector per text, in order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingFunc adapts a plain function to EmbeddingProvider.
type EmbeddingFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbeddingFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// Embedder batches texts through an EmbeddingProvider. It does not retry.
// The first vector it sees fixes the dimension for the lifetime of the
// Embedder; later vectors of another size are rejected.
type Embedder struct {
	provider  EmbeddingProvider
	batchSize int
	timeout   time.Duration

	mu  sync.Mutex
	dim int
}

// NewEmbedder creates an Embedder. Non-positive batchSize or timeout fall back
// to DefaultBatchSize and DefaultEmbedTimeout.
func NewEmbedder(p EmbeddingProvider, batchSize int, timeout time.Duration) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	return &Embedder{provider: p, batchSize: batchSize, timeout: timeout}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, preserving order.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimension returns the pinned vector dimension, or 0 before the first call.
func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vecs, err := e.provider.Embed(callCtx, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts", ErrEmbedding, len(vecs), len(batch))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector for text %d", ErrEmbedding, i)
		}
		if err := e.pin(len(v)); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (e *Embedder) pin(dim int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = dim
		return nil
	}
	if e.dim != dim {
		return fmt.Errorf("%w: dimension %d, expected %d", ErrEmbedding, dim, e.dim)
	}
	return nil
}
