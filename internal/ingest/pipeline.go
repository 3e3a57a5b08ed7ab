package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/astrorag/internal/chunker"
	"github.com/kalambet/astrorag/internal/extract"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/source"
	"github.com/kalambet/astrorag/internal/storage"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// StatusStore persists one status record per document.
type StatusStore interface {
	SaveDocument(d storage.KBDocument) error
	GetDocument(id string) (storage.KBDocument, error)
}

// BatchEmbedder embeds texts, one vector per text in order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorUpserter writes vectors into a namespace, overwriting by id.
type VectorUpserter interface {
	Upsert(ctx context.Context, namespace string, vectors []retrieval.Vector) error
}

// Options tunes a Pipeline. Zero values take the defaults.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	// Concurrency bounds how many batches embed and upsert at once.
	Concurrency int
	Namespace   string
	IDFunc      IDFunc
	// Progress, when set, is called after every upserted batch.
	Progress func(docID string, doneChunks, totalChunks int)
}

// Pipeline turns a document path into chunk vectors in the index, tracking
// its progress in a status record.
type Pipeline struct {
	source    source.Source
	extractor extract.Extractor
	embedder  BatchEmbedder
	index     VectorUpserter
	store     StatusStore
	opts      Options
	now       func() time.Time
	logger    *slog.Logger
}

// NewPipeline validates the chunk window and fills option defaults.
func NewPipeline(src source.Source, ex extract.Extractor, emb BatchEmbedder, idx VectorUpserter, store StatusStore, opts Options) (*Pipeline, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
		if opts.ChunkOverlap == 0 {
			opts.ChunkOverlap = DefaultChunkOverlap
		}
	}
	if err := chunker.Validate(opts.ChunkSize, opts.ChunkOverlap); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = retrieval.DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Namespace == "" {
		opts.Namespace = retrieval.Namespace
	}
	if opts.IDFunc == nil {
		opts.IDFunc = ContentID
	}
	return &Pipeline{
		source:    src,
		extractor: ex,
		embedder:  emb,
		index:     idx,
		store:     store,
		opts:      opts,
		now:       time.Now,
		logger:    slog.Default(),
	}, nil
}

// Ingest runs one document through fetch, extract, chunk, embed and upsert.
// The returned record is always terminal (completed or failed) unless the
// status store itself fails. A completed record is never rewritten: when the
// ID already names one, it is returned as-is without touching the index.
func (p *Pipeline) Ingest(ctx context.Context, path string) (storage.KBDocument, error) {
	started := p.now().UTC()

	data, fetchErr := p.source.Fetch(ctx, path)

	doc := storage.KBDocument{
		FilePath:  path,
		FileName:  source.BaseName(path),
		Status:    storage.StatusPending,
		CreatedAt: started,
	}
	if fetchErr == nil {
		doc.ContentHash = ContentHash(data)
		doc.ID = p.opts.IDFunc(path, data, started)
	} else {
		doc.ID = TimestampID(path, nil, started)
	}

	existing, err := p.store.GetDocument(doc.ID)
	switch {
	case err == nil && existing.Status == storage.StatusCompleted:
		p.logger.Info("document already ingested", "doc_id", existing.ID, "path", path)
		return existing, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return doc, fmt.Errorf("looking up document %s: %w", doc.ID, err)
	}

	if err := p.store.SaveDocument(doc); err != nil {
		return doc, fmt.Errorf("recording pending document %s: %w", doc.ID, err)
	}

	if fetchErr != nil {
		return p.fail(doc, fmt.Errorf("%w: fetching %s: %w", extract.ErrExtraction, path, fetchErr))
	}

	text, err := p.extractor.Extract(ctx, doc.FileName, data)
	if err != nil {
		return p.fail(doc, err)
	}

	chunks, err := chunker.Split(text, p.opts.ChunkSize, p.opts.ChunkOverlap)
	if errors.Is(err, chunker.ErrEmptyText) {
		return p.fail(doc, fmt.Errorf("%w: no text content extracted from %s", extract.ErrExtraction, doc.FileName))
	}
	if err != nil {
		return p.fail(doc, err)
	}

	if err := p.processChunks(ctx, doc, chunks); err != nil {
		return p.fail(doc, err)
	}

	doc.Status = storage.StatusCompleted
	doc.TotalChunks = len(chunks)
	for _, c := range chunks {
		doc.TotalTokens += c.Words()
	}
	doc.ProcessedAt = p.now().UTC()
	if err := p.store.SaveDocument(doc); err != nil {
		return doc, fmt.Errorf("recording completed document %s: %w", doc.ID, err)
	}

	p.logger.Info("document ingested", "doc_id", doc.ID, "chunks", doc.TotalChunks, "duration", p.now().Sub(started))
	return doc, nil
}

// processChunks embeds and upserts chunks batch by batch. Every batch is
// upserted as one unit; earlier batches stay in the index if a later one fails.
func (p *Pipeline) processChunks(ctx context.Context, doc storage.KBDocument, chunks []chunker.Chunk) error {
	total := len(chunks)
	batches := (total + p.opts.BatchSize - 1) / p.opts.BatchSize

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	var done atomic.Int64
	for b := 0; b < batches; b++ {
		start := b * p.opts.BatchSize
		batch := chunks[start:min(start+p.opts.BatchSize, total)]
		g.Go(func() error {
			// A failed batch cancels gCtx; later batches are skipped.
			if gCtx.Err() != nil {
				return nil
			}
			if err := p.processBatch(gCtx, doc, batch); err != nil {
				return fmt.Errorf("batch %d/%d: %w", b+1, batches, err)
			}
			n := int(done.Add(int64(len(batch))))
			p.logger.Debug("batch upserted", "doc_id", doc.ID, "batch", b+1, "batches", batches)
			if p.opts.Progress != nil {
				p.opts.Progress(doc.ID, n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Pipeline) processBatch(ctx context.Context, doc storage.KBDocument, batch []chunker.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(embeddings) != len(batch) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", retrieval.ErrEmbedding, len(embeddings), len(batch))
	}

	vectors := make([]retrieval.Vector, len(batch))
	for i, c := range batch {
		vectors[i] = retrieval.Vector{
			ID:     ChunkID(doc.ID, c.Index),
			Values: embeddings[i],
			Metadata: retrieval.Metadata{
				DocID:      doc.ID,
				ChunkIndex: c.Index,
				Text:       c.Text,
				SourceURI:  doc.FilePath,
				Page:       c.Page,
				Source:     doc.FileName,
			},
		}
	}
	return p.index.Upsert(ctx, p.opts.Namespace, vectors)
}

// fail records the terminal failed state and returns err unchanged.
func (p *Pipeline) fail(doc storage.KBDocument, err error) (storage.KBDocument, error) {
	doc.Status = storage.StatusFailed
	doc.Error = err.Error()
	doc.ProcessedAt = p.now().UTC()
	if saveErr := p.store.SaveDocument(doc); saveErr != nil {
		p.logger.Error("recording failed document", "doc_id", doc.ID, "error", saveErr)
	}
	p.logger.Warn("document ingestion failed", "doc_id", doc.ID, "path", doc.FilePath, "error", err)
	return doc, err
}

// ChunkID is the vector id of chunk index of a document.
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, index)
}
