package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/astrorag/internal/extract"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/storage"
)

// memSource serves documents from a map.
type memSource map[string][]byte

func (m memSource) Fetch(_ context.Context, path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("no such document %s", path)
	}
	return data, nil
}

type mockEmbedder struct {
	calls   int
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.embedFn != nil {
		return m.embedFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

type mockUpserter struct {
	mu       sync.Mutex
	batches  [][]retrieval.Vector
	upsertFn func(ns string, vectors []retrieval.Vector) error
}

func (m *mockUpserter) Upsert(_ context.Context, ns string, vectors []retrieval.Vector) error {
	if m.upsertFn != nil {
		if err := m.upsertFn(ns, vectors); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, vectors)
	return nil
}

func (m *mockUpserter) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, b := range m.batches {
		for _, v := range b {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func fixedID(id string) IDFunc {
	return func(string, []byte, time.Time) string { return id }
}

func newTestPipeline(t *testing.T, src memSource, emb BatchEmbedder, idx VectorUpserter, store StatusStore, opts Options) *Pipeline {
	t.Helper()
	p, err := NewPipeline(src, extract.NewMux(), emb, idx, store, opts)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func TestIngest_1200Words(t *testing.T) {
	store := openTestStore(t)
	idx := &mockUpserter{}
	p := newTestPipeline(t, memSource{"kb/bnn.txt": []byte(words(1200))}, &mockEmbedder{}, idx, store,
		Options{IDFunc: fixedID("doc")})

	doc, err := p.Ingest(context.Background(), "kb/bnn.txt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.Status != storage.StatusCompleted {
		t.Errorf("Status = %q", doc.Status)
	}
	if doc.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", doc.TotalChunks)
	}
	if doc.TotalTokens != 1400 {
		t.Errorf("TotalTokens = %d, want 1400 (500+500+400)", doc.TotalTokens)
	}

	want := []string{"doc_chunk_0", "doc_chunk_1", "doc_chunk_2"}
	if got := idx.ids(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("upserted ids = %v, want %v", got, want)
	}

	v := idx.batches[0][1]
	if v.Metadata.DocID != "doc" || v.Metadata.ChunkIndex != 1 || v.Metadata.SourceURI != "kb/bnn.txt" || v.Metadata.Source != "bnn.txt" {
		t.Errorf("metadata = %+v", v.Metadata)
	}
	if !strings.HasPrefix(v.Metadata.Text, "w400 ") {
		t.Errorf("chunk 1 text starts %q", v.Metadata.Text[:10])
	}

	stored, err := store.GetDocument("doc")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Status != storage.StatusCompleted || stored.ProcessedAt.IsZero() {
		t.Errorf("stored = %+v", stored)
	}
}

func TestIngest_EndToEndRetrieve(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := retrieval.NewSQLiteStore(store.DB())

	// Each chunk's vector points along its own axis; the question sits
	// between chunk 2 and chunk 1, closer to chunk 2.
	provider := retrieval.EmbeddingFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			switch {
			case strings.HasPrefix(t, "w0 "):
				out[i] = []float32{1, 0, 0}
			case strings.HasPrefix(t, "w400 "):
				out[i] = []float32{0, 1, 0}
			case strings.HasPrefix(t, "w800 "):
				out[i] = []float32{0, 0, 1}
			default:
				out[i] = []float32{0, 0.3, 1}
			}
		}
		return out, nil
	})
	embedder := retrieval.NewEmbedder(provider, 0, 0)

	p := newTestPipeline(t, memSource{"doc.txt": []byte(words(1200))}, embedder, index, store,
		Options{ChunkSize: 500, ChunkOverlap: 100, IDFunc: fixedID("doc")})
	if _, err := p.Ingest(ctx, "doc.txt"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	n, err := index.Count(ctx, retrieval.Namespace)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("index holds %d vectors, want 3", n)
	}

	snippets := retrieval.NewRetriever(embedder, index).Retrieve(ctx, "test question", 2, "")
	if len(snippets) != 2 {
		t.Fatalf("got %d snippets, want 2", len(snippets))
	}
	if snippets[0].ID != "doc_chunk_2" || snippets[1].ID != "doc_chunk_1" {
		t.Errorf("ids = [%s %s], want [doc_chunk_2 doc_chunk_1]", snippets[0].ID, snippets[1].ID)
	}
	if snippets[0].Score < snippets[1].Score {
		t.Errorf("scores not descending: %v < %v", snippets[0].Score, snippets[1].Score)
	}
}

func TestIngest_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	index := retrieval.NewSQLiteStore(store.DB())
	emb := &mockEmbedder{}
	p := newTestPipeline(t, memSource{"kb/a.txt": []byte(words(900))}, emb, index, store, Options{})

	first, err := p.Ingest(ctx, "kb/a.txt")
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := p.Ingest(ctx, "kb/a.txt")
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if emb.calls != 1 {
		t.Errorf("embedder calls = %d, want 1 (second ingest is a no-op)", emb.calls)
	}
	if n, _ := index.Count(ctx, retrieval.Namespace); n != 2 {
		t.Errorf("index count = %d, want 2", n)
	}
	if !strings.HasPrefix(first.ID, "kb_a_") {
		t.Errorf("ID = %q, want kb_a_ prefix", first.ID)
	}
}

func TestIngest_CompletedRecordSurvivesSameBytesElsewhere(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	body := []byte(words(40))
	emb := &mockEmbedder{}
	p := newTestPipeline(t, memSource{"kb/a.txt": body, "kb/b.txt": body}, emb, &mockUpserter{}, store, Options{})

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	a, err := p.Ingest(ctx, "kb/a.txt")
	if err != nil {
		t.Fatalf("Ingest a: %v", err)
	}
	clock = clock.Add(time.Hour)
	if _, err := p.Ingest(ctx, "kb/b.txt"); err != nil {
		t.Fatalf("Ingest b: %v", err)
	}

	emb.embedFn = func(context.Context, []string) ([][]float32, error) {
		return nil, fmt.Errorf("%w: backend down", retrieval.ErrEmbedding)
	}
	again, err := p.Ingest(ctx, "kb/a.txt")
	if err != nil {
		t.Fatalf("re-Ingest a: %v", err)
	}
	if again.ID != a.ID || again.Status != storage.StatusCompleted {
		t.Errorf("re-ingest returned %s/%s, want %s/completed", again.ID, again.Status, a.ID)
	}
	stored, err := store.GetDocument(a.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Status != storage.StatusCompleted || !stored.ProcessedAt.Equal(a.ProcessedAt) || stored.TotalChunks != a.TotalChunks {
		t.Errorf("stored = %s processed %v, want the original completed record", stored.Status, stored.ProcessedAt)
	}
}

func TestIngest_TimestampStrategyDuplicates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	idx := &mockUpserter{}
	p := newTestPipeline(t, memSource{"a.txt": []byte(words(10))}, &mockEmbedder{}, idx, store, Options{IDFunc: TimestampID})

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { clock = clock.Add(time.Millisecond); return clock }

	a, err := p.Ingest(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	b, err := p.Ingest(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if a.ID == b.ID {
		t.Errorf("timestamp ids should differ, both %s", a.ID)
	}
}

func TestIngest_EmptyExtraction(t *testing.T) {
	store := openTestStore(t)
	emb := &mockEmbedder{}
	p := newTestPipeline(t, memSource{"blank.txt": []byte("   \n ")}, emb, &mockUpserter{}, store, Options{IDFunc: fixedID("blank")})

	doc, err := p.Ingest(context.Background(), "blank.txt")
	if !errors.Is(err, extract.ErrExtraction) {
		t.Fatalf("err = %v, want ErrExtraction", err)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times on empty text", emb.calls)
	}

	stored, err := store.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Status != storage.StatusFailed || stored.Error == "" {
		t.Errorf("stored = %+v, want failed with message", stored)
	}
}

func TestIngest_FetchFailureRecorded(t *testing.T) {
	store := openTestStore(t)
	p := newTestPipeline(t, memSource{}, &mockEmbedder{}, &mockUpserter{}, store, Options{})

	doc, err := p.Ingest(context.Background(), "kb/missing.pdf")
	if !errors.Is(err, extract.ErrExtraction) {
		t.Fatalf("err = %v, want ErrExtraction", err)
	}
	stored, err := store.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
}

func TestIngest_EmbeddingFailureMarksFailed(t *testing.T) {
	store := openTestStore(t)
	emb := &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, fmt.Errorf("%w: quota", retrieval.ErrEmbedding)
	}}
	p := newTestPipeline(t, memSource{"a.txt": []byte(words(50))}, emb, &mockUpserter{}, store, Options{IDFunc: fixedID("a")})

	_, err := p.Ingest(context.Background(), "a.txt")
	if !errors.Is(err, retrieval.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
	stored, _ := store.GetDocument("a")
	if stored.Status != storage.StatusFailed || !strings.Contains(stored.Error, "quota") {
		t.Errorf("stored = %+v", stored)
	}
}

func TestIngest_PartialBatchesStayUpserted(t *testing.T) {
	store := openTestStore(t)
	calls := 0
	idx := &mockUpserter{upsertFn: func(string, []retrieval.Vector) error {
		calls++
		if calls == 2 {
			return retrieval.ErrIndex
		}
		return nil
	}}
	// 30 words, window 5/0, batch 2 -> 6 chunks in 3 batches.
	p := newTestPipeline(t, memSource{"a.txt": []byte(words(30))}, &mockEmbedder{}, idx, store,
		Options{ChunkSize: 5, ChunkOverlap: 0, BatchSize: 2, IDFunc: fixedID("a")})

	_, err := p.Ingest(context.Background(), "a.txt")
	if !errors.Is(err, retrieval.ErrIndex) {
		t.Fatalf("err = %v, want ErrIndex", err)
	}
	if got := idx.ids(); len(got) != 2 {
		t.Errorf("upserted %v, want only the first batch", got)
	}
	if calls != 2 {
		t.Errorf("upsert calls = %d, want 2 (stop after failure)", calls)
	}
	stored, _ := store.GetDocument("a")
	if stored.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
}

func TestIngest_ConcurrentBatchesAndProgress(t *testing.T) {
	store := openTestStore(t)
	idx := &mockUpserter{}
	var mu sync.Mutex
	var last int
	p := newTestPipeline(t, memSource{"a.txt": []byte(words(100))}, &embedderFunc{}, idx, store, Options{
		ChunkSize: 10, ChunkOverlap: 0, BatchSize: 3, Concurrency: 4, IDFunc: fixedID("a"),
		Progress: func(_ string, done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if done > last {
				last = done
			}
			if total != 10 {
				t.Errorf("total = %d, want 10", total)
			}
		},
	})

	doc, err := p.Ingest(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.TotalChunks != 10 || len(idx.ids()) != 10 {
		t.Errorf("chunks = %d, upserted = %d", doc.TotalChunks, len(idx.ids()))
	}
	if last != 10 {
		t.Errorf("final progress = %d, want 10", last)
	}
}

func TestIngest_CancelledContextFails(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newTestPipeline(t, memSource{"a.txt": []byte(words(20))}, &embedderFunc{}, &mockUpserter{}, store, Options{IDFunc: fixedID("a")})

	doc, err := p.Ingest(ctx, "a.txt")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if doc.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want failed", doc.Status)
	}
}

func TestNewPipeline_InvalidWindow(t *testing.T) {
	_, err := NewPipeline(memSource{}, extract.NewMux(), &mockEmbedder{}, &mockUpserter{}, openTestStore(t),
		Options{ChunkSize: 100, ChunkOverlap: 100})
	if err == nil {
		t.Error("expected error for overlap >= size")
	}
}

// embedderFunc is a goroutine-safe embedder for concurrent batch tests.
type embedderFunc struct{}

func (embedderFunc) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}
