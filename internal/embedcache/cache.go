// Package embedcache persists embedding vectors in a bbolt file so that
// re-ingesting unchanged text does not pay for the same embeddings twice.
package embedcache

import (
	"context"
	"crypto/sha256"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/kalambet/astrorag/internal/retrieval"
)

var bucketVectors = []byte("vectors")

// Cache wraps an EmbeddingProvider. Only texts missing from the cache are sent
// to the provider, in their original relative order.
type Cache struct {
	db    *bbolt.DB
	inner retrieval.EmbeddingProvider
	model string
}

var _ retrieval.EmbeddingProvider = (*Cache)(nil)

// Open opens (or creates) the cache file at path. model scopes the keys so
// that switching embedding models never returns stale vectors.
func Open(path, model string, inner retrieval.EmbeddingProvider) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Cache{db: db, inner: inner, model: model}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for i, t := range texts {
			raw := b.Get(c.key(t))
			if raw == nil {
				missIdx = append(missIdx, i)
				missTexts = append(missTexts, t)
				continue
			}
			// raw belongs to the bbolt page; a nil dst copies it out.
			v, err := retrieval.UnpackVector(nil, raw)
			if err != nil {
				return fmt.Errorf("corrupt cached vector: %w", err)
			}
			out[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading embedding cache: %w", err)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d uncached texts",
			retrieval.ErrEmbedding, len(vecs), len(missTexts))
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for j, v := range vecs {
			if len(v) == 0 {
				continue
			}
			if err := b.Put(c.key(missTexts[j]), retrieval.PackVector(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing embedding cache: %w", err)
	}

	for j, i := range missIdx {
		out[i] = vecs[j]
	}
	return out, nil
}

// Len returns the number of cached vectors.
func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	return n, err
}

func (c *Cache) key(text string) []byte {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return sum[:]
}
