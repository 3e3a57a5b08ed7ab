package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

var _ VectorIndex = (*ChromemStore)(nil)

// ChromemStore is a VectorIndex backed by a persistent chromem-go database,
// one collection per namespace. Metadata is stored as chromem string fields.
type ChromemStore struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens (or creates) a chromem database at path. An empty
// path keeps everything in memory.
func NewChromemStore(path string) (*ChromemStore, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem db: %w", ErrIndex, err)
		}
	}
	return &ChromemStore{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func (s *ChromemStore) collection(namespace string) (*chromem.Collection, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrIndex)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[namespace]; ok {
		return c, nil
	}
	// Embeddings are always supplied by the caller, so no embedding func.
	c, err := s.db.GetOrCreateCollection(namespace, map[string]string{"hnsw:space": "cosine"}, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("%w: opening collection %s: %w", ErrIndex, namespace, err)
	}
	s.collections[namespace] = c
	return c, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	c, err := s.collection(namespace)
	if err != nil {
		return err
	}

	ids := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	metadatas := make([]map[string]string, len(vectors))
	contents := make([]string, len(vectors))
	for i, v := range vectors {
		if v.ID == "" || len(v.Values) == 0 {
			return fmt.Errorf("%w: vector %q has no id or values", ErrIndex, v.ID)
		}
		ids[i] = v.ID
		// chromem normalizes in place; keep the caller's slice intact.
		embeddings[i] = append([]float32(nil), v.Values...)
		metadatas[i] = v.Metadata.asStrings()
		contents[i] = v.Metadata.Text
	}

	if err := c.Add(ctx, ids, embeddings, metadatas, contents); err != nil {
		return fmt.Errorf("%w: adding to %s: %w", ErrIndex, namespace, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 || magnitude(vector) == 0 {
		return nil, nil
	}
	for k := range filter {
		if !validKey(k) {
			return nil, fmt.Errorf("%w: unsupported filter key %q", ErrIndex, k)
		}
	}
	c, err := s.collection(namespace)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	n := min(topK, c.Count())
	if n == 0 {
		return nil, nil
	}

	results, err := c.QueryEmbedding(ctx, append([]float32(nil), vector...), n, map[string]string(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %w", ErrIndex, namespace, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			ID:       r.ID,
			Score:    r.Similarity,
			Metadata: metadataFromStrings(r.Metadata),
		})
	}
	sortMatches(matches)
	return matches, nil
}

// Delete removes matching entries. A nil filter clears the namespace.
func (s *ChromemStore) Delete(ctx context.Context, namespace string, filter Filter) (int, error) {
	c, err := s.collection(namespace)
	if err != nil {
		return 0, err
	}
	before := c.Count()
	if len(filter) == 0 {
		if err := s.db.DeleteCollection(namespace); err != nil {
			return 0, fmt.Errorf("%w: deleting collection %s: %w", ErrIndex, namespace, err)
		}
		s.mu.Lock()
		delete(s.collections, namespace)
		s.mu.Unlock()
		return before, nil
	}
	if err := c.Delete(ctx, map[string]string(filter), nil); err != nil {
		return 0, fmt.Errorf("%w: deleting from %s: %w", ErrIndex, namespace, err)
	}
	return before - c.Count(), nil
}

func (s *ChromemStore) Count(_ context.Context, namespace string) (int, error) {
	c, err := s.collection(namespace)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: chromem store requires precomputed embeddings", ErrIndex)
}
