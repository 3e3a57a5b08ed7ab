package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/astrorag/internal/storage"
)

// JobType is the job queue type for document ingestion.
const JobType = "kb_ingest"

// JobStore is the persistent queue the worker drains.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimJob(kind string) (*storage.Job, error)
	FinishJob(id string, runErr error) error
}

// Ingester runs one document through ingestion.
type Ingester interface {
	Ingest(ctx context.Context, path string) (storage.KBDocument, error)
}

type ingestPayload struct {
	Path string `json:"path"`
}

// Enqueue queues path for background ingestion and returns the job id.
// Ingestion failures are terminal, so the job is attempted once.
func Enqueue(store JobStore, path string) (string, error) {
	payload, err := json.Marshal(ingestPayload{Path: path})
	if err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Kind:        JobType,
		Payload:     string(payload),
		MaxAttempts: 1,
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// WorkerOptions tune a Worker. Zero values select the defaults.
type WorkerOptions struct {
	// Poll is how long an idle slot waits before checking the queue again.
	Poll time.Duration
	// Slots is the number of documents ingested at the same time.
	Slots int
}

const defaultPoll = 500 * time.Millisecond

// Worker drains kb_ingest jobs from the SQLite queue.
type Worker struct {
	store    JobStore
	ingester Ingester
	opts     WorkerOptions
	wake     chan struct{}
	logger   *slog.Logger
}

func NewWorker(store JobStore, ingester Ingester, opts WorkerOptions) *Worker {
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	return &Worker{
		store:    store,
		ingester: ingester,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		logger:   slog.Default(),
	}
}

// Notify wakes an idle slot without waiting for the next poll. It never
// blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes jobs on every slot until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for slot := range w.opts.Slots {
		g.Go(func() error {
			w.loop(ctx, slot)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake:
		}

		for ctx.Err() == nil {
			didWork, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("ingest worker iteration failed", "slot", slot, "error", err)
			}
			if !didWork {
				break
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.opts.Poll)
	}
}

// RunOnce claims and processes one job. It reports whether a job was
// claimed; an ingestion failure marks the job failed and is not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(JobType)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	doc, runErr := w.process(ctx, job)
	if err := w.store.FinishJob(job.ID, runErr); err != nil {
		return true, fmt.Errorf("recording job %s outcome: %w", job.ID, err)
	}
	if runErr != nil {
		w.logger.Warn("ingest job failed", "job_id", job.ID, "error", runErr)
		return true, nil
	}
	w.logger.Info("ingest job completed",
		"job_id", job.ID,
		"doc_id", doc.ID,
		"chunks", doc.TotalChunks,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) (storage.KBDocument, error) {
	var payload ingestPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return storage.KBDocument{}, fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Path == "" {
		return storage.KBDocument{}, fmt.Errorf("job %s has no path", job.ID)
	}
	return w.ingester.Ingest(ctx, payload.Path)
}
