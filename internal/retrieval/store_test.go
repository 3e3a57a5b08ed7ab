package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/kalambet/astrorag/internal/storage"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB())
}

// unit returns a basis vector along axis i.
func unit(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func vec(id string, values []float32, uri string) Vector {
	return Vector{
		ID:     id,
		Values: values,
		Metadata: Metadata{
			DocID:     "doc",
			Text:      "text of " + id,
			SourceURI: uri,
			Page:      1,
			Source:    "bnn.pdf",
		},
	}
}

func TestUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.Upsert(ctx, Namespace, []Vector{
		vec("a", []float32{1, 0, 0}, "kb/a.pdf"),
		vec("b", []float32{0.8, 0.6, 0}, "kb/a.pdf"),
		vec("c", []float32{0, 1, 0}, "kb/b.pdf"),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, Namespace, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = [%s %s], want [a b]", got[0].ID, got[1].ID)
	}
	if got[0].Score < got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
	if got[0].Metadata.Text != "text of a" || got[0].Metadata.Source != "bnn.pdf" {
		t.Errorf("metadata not returned: %+v", got[0].Metadata)
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	batch := []Vector{vec("doc_chunk_0", unit(4, 0), ""), vec("doc_chunk_1", unit(4, 1), "")}
	for i := 0; i < 2; i++ {
		if err := s.Upsert(ctx, Namespace, batch); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	n, err := s.Count(ctx, Namespace)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestUpsert_OverwritesValuesAndMetadata(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Upsert(ctx, Namespace, []Vector{vec("x", unit(3, 0), "old")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	updated := vec("x", unit(3, 2), "new")
	updated.Metadata.Text = "rewritten"
	if err := s.Upsert(ctx, Namespace, []Vector{updated}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, Namespace, unit(3, 2), 1, FilterBySource("new"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Metadata.Text != "rewritten" {
		t.Fatalf("got %+v", got)
	}
	if got[0].Score < 0.999 {
		t.Errorf("Score = %v, want ~1 for the new values", got[0].Score)
	}
}

func TestQuery_SourceFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Upsert(ctx, Namespace, []Vector{
		vec("a", []float32{1, 0}, "kb/a.pdf"),
		vec("b", []float32{1, 0.1}, "kb/b.pdf"),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, Namespace, []float32{1, 0}, 5, FilterBySource("kb/b.pdf"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("got %+v, want only b", got)
	}
}

func TestQuery_MetadataFilterOnNumber(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v1 := vec("p1", []float32{1, 0}, "")
	v2 := vec("p2", []float32{1, 0}, "")
	v2.Metadata.Page = 2
	if err := s.Upsert(ctx, Namespace, []Vector{v1, v2}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, Namespace, []float32{1, 0}, 5, Filter{"page": "2"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p2" {
		t.Errorf("got %+v, want only p2", got)
	}
}

func TestQuery_UnknownFilterKey(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Query(context.Background(), Namespace, []float32{1}, 1, Filter{"bogus') OR 1=1 --": "x"})
	if !errors.Is(err, ErrIndex) {
		t.Errorf("err = %v, want ErrIndex", err)
	}
}

func TestQuery_TiesBrokenByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var batch []Vector
	for _, id := range []string{"d", "b", "e", "a", "c"} {
		batch = append(batch, vec(id, []float32{1, 1}, ""))
	}
	if err := s.Upsert(ctx, Namespace, batch); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := s.Query(ctx, Namespace, []float32{1, 1}, 3, nil)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		ids := fmt.Sprint(got[0].ID, got[1].ID, got[2].ID)
		if ids != "abc" {
			t.Errorf("run %d: ids = %s, want abc", i, ids)
		}
	}
}

func TestQuery_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Upsert(ctx, "other", []Vector{vec("a", []float32{1, 0}, "")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Query(ctx, Namespace, []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d matches from another namespace", len(got))
	}
}

func TestQuery_ZeroVectorAndTopK(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Upsert(ctx, Namespace, []Vector{vec("a", []float32{1, 0}, "")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got, err := s.Query(ctx, Namespace, []float32{0, 0}, 5, nil); err != nil || got != nil {
		t.Errorf("zero vector: got %v, %v", got, err)
	}
	if got, err := s.Query(ctx, Namespace, []float32{1, 0}, 0, nil); err != nil || got != nil {
		t.Errorf("topK 0: got %v, %v", got, err)
	}
}

func TestDelete_ByDocID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	keep := vec("keep", []float32{1, 0}, "")
	keep.Metadata.DocID = "kb_b"
	drop := vec("drop", []float32{1, 0}, "")
	drop.Metadata.DocID = "kb_a"
	if err := s.Upsert(ctx, Namespace, []Vector{keep, drop}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	n, err := s.Delete(ctx, Namespace, Filter{"docId": "kb_a"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	count, _ := s.Count(ctx, Namespace)
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}

func TestUpsert_RejectsEmpty(t *testing.T) {
	s := openTestStore(t)

	err := s.Upsert(context.Background(), Namespace, []Vector{{ID: "x"}})
	if !errors.Is(err, ErrIndex) {
		t.Errorf("err = %v, want ErrIndex", err)
	}
	err = s.Upsert(context.Background(), "", []Vector{vec("x", []float32{1}, "")})
	if !errors.Is(err, ErrIndex) {
		t.Errorf("empty namespace err = %v, want ErrIndex", err)
	}
}

func TestPackUnpackVector(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := UnpackVector(make([]float32, 1), PackVector(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, out[i], in[i])
		}
	}
	if _, err := UnpackVector(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestQuery_HugeTopK(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Upsert(ctx, Namespace, []Vector{vec("only", []float32{1, 0, 0}, "")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, Namespace, []float32{1, 0, 0}, math.MaxInt, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "only" {
		t.Errorf("got %+v", got)
	}
}
