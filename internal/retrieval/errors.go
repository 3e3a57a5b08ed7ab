package retrieval

import "errors"

var (
	// ErrEmbedding marks any failure to turn text into vectors: provider
	// errors, timeouts and malformed provider output.
	ErrEmbedding = errors.New("embedding failed")

	// ErrIndex marks vector index failures (upsert, query, delete).
	ErrIndex = errors.New("vector index failed")
)
