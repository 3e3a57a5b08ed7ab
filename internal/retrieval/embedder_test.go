package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

// fixedProvider returns one vector of dim per text and records batch sizes.
func fixedProvider(dim int, batches *[]int) EmbeddingFunc {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		if batches != nil {
			*batches = append(*batches, len(texts))
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = makeVector(dim)
		}
		return out, nil
	}
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	e := NewEmbedder(fixedProvider(384, nil), 0, 0)

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
	if e.Dimension() != 384 {
		t.Errorf("Dimension() = %d, want 384", e.Dimension())
	}
}

func TestEmbedBatch_SplitsIntoBatches(t *testing.T) {
	var batches []int
	e := NewEmbedder(fixedProvider(8, &batches), 10, time.Second)

	texts := make([]string, 23)
	for i := range texts {
		texts[i] = "t"
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 23 {
		t.Errorf("got %d vectors, want 23", len(vecs))
	}
	want := []int{10, 10, 3}
	if len(batches) != len(want) {
		t.Fatalf("batches = %v, want %v", batches, want)
	}
	for i := range want {
		if batches[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, batches[i], want[i])
		}
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	p := EmbeddingFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = []float32{float32(len(t))}
		}
		return out, nil
	})
	e := NewEmbedder(p, 2, time.Second)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vector %d = %v, want %d", i, v, len(texts[i]))
		}
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	e := NewEmbedder(fixedProvider(4, nil), 0, 0)

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil, got %v", vecs)
	}
}

func TestEmbed_ProviderError(t *testing.T) {
	p := EmbeddingFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("connection refused")
	})
	e := NewEmbedder(p, 0, 0)

	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should carry provider cause, got %q", err)
	}
}

func TestEmbed_Timeout(t *testing.T) {
	p := EmbeddingFunc(func(ctx context.Context, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := NewEmbedder(p, 0, 20*time.Millisecond)

	_, err := e.Embed(context.Background(), "slow")
	if !errors.Is(err, ErrEmbedding) {
		t.Errorf("err = %v, want ErrEmbedding", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded in chain", err)
	}
}

func TestEmbed_MalformedProviderOutput(t *testing.T) {
	tests := []struct {
		name string
		out  [][]float32
	}{
		{"count mismatch", [][]float32{{1}, {2}}},
		{"empty vector", [][]float32{{}}},
		{"none", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := EmbeddingFunc(func(context.Context, []string) ([][]float32, error) {
				return tt.out, nil
			})
			if _, err := NewEmbedder(p, 0, 0).Embed(context.Background(), "x"); !errors.Is(err, ErrEmbedding) {
				t.Errorf("err = %v, want ErrEmbedding", err)
			}
		})
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	dim := 4
	p := EmbeddingFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		return [][]float32{makeVector(dim)}, nil
	})
	e := NewEmbedder(p, 0, 0)

	if _, err := e.Embed(context.Background(), "first"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	dim = 8
	if _, err := e.Embed(context.Background(), "second"); !errors.Is(err, ErrEmbedding) {
		t.Errorf("err = %v, want ErrEmbedding for dimension change", err)
	}
}
