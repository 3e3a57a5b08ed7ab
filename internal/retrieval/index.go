package retrieval

import (
	"context"
	"strconv"
)

// Namespace is the fixed partition holding knowledge-base chunks.
const Namespace = "astroai-kb"

// Metadata is stored alongside every chunk vector. JSON names are the keys a
// Filter can match on.
type Metadata struct {
	DocID      string `json:"docId"`
	ChunkIndex int    `json:"chunkIndex"`
	Text       string `json:"text"`
	SourceURI  string `json:"sourceUri"`
	Page       int    `json:"page"`
	Source     string `json:"source"`
}

// Vector is one index entry. Upserting an existing ID overwrites it.
type Vector struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is a query hit. Score is cosine similarity.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Filter restricts a query to entries whose metadata fields equal the given
// values. Keys are Metadata JSON names ("sourceUri", "docId", ...).
type Filter map[string]string

// FilterBySource returns a sourceUri filter, or nil for an empty uri.
func FilterBySource(uri string) Filter {
	if uri == "" {
		return nil
	}
	return Filter{"sourceUri": uri}
}

// VectorIndex is a namespace-partitioned vector store. Query results are
// ordered by score descending with ties broken by ID ascending. Errors wrap
// ErrIndex.
type VectorIndex interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, namespace string, filter Filter) (int, error)
	Count(ctx context.Context, namespace string) (int, error)
}

// asStrings flattens metadata into string fields, used for equality matching.
func (m Metadata) asStrings() map[string]string {
	return map[string]string{
		"docId":      m.DocID,
		"chunkIndex": strconv.Itoa(m.ChunkIndex),
		"text":       m.Text,
		"sourceUri":  m.SourceURI,
		"page":       strconv.Itoa(m.Page),
		"source":     m.Source,
	}
}

func metadataFromStrings(fields map[string]string) Metadata {
	chunkIndex, _ := strconv.Atoi(fields["chunkIndex"])
	page, _ := strconv.Atoi(fields["page"])
	return Metadata{
		DocID:      fields["docId"],
		ChunkIndex: chunkIndex,
		Text:       fields["text"],
		SourceURI:  fields["sourceUri"],
		Page:       page,
		Source:     fields["source"],
	}
}

// matches reports whether metadata satisfies every filter clause.
func (f Filter) matches(m Metadata) bool {
	if len(f) == 0 {
		return true
	}
	fields := m.asStrings()
	for k, v := range f {
		if got, ok := fields[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// validKey reports whether k names a Metadata field.
func validKey(k string) bool {
	_, ok := Metadata{}.asStrings()[k]
	return ok
}
