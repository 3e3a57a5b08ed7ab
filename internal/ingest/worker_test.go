package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/astrorag/internal/storage"
)

type mockIngester struct {
	mu       sync.Mutex
	paths    []string
	ingestFn func(ctx context.Context, path string) (storage.KBDocument, error)
}

func (m *mockIngester) Ingest(ctx context.Context, path string) (storage.KBDocument, error) {
	m.mu.Lock()
	m.paths = append(m.paths, path)
	m.mu.Unlock()
	if m.ingestFn != nil {
		return m.ingestFn(ctx, path)
	}
	return storage.KBDocument{ID: "kb_" + path, Status: storage.StatusCompleted}, nil
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	jobID, err := Enqueue(store, "kb/bnn.pdf")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ing := &mockIngester{}
	w := NewWorker(store, ing, WorkerOptions{})

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(ing.paths) != 1 || ing.paths[0] != "kb/bnn.pdf" {
		t.Errorf("ingested %v, want [kb/bnn.pdf]", ing.paths)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("job status = %q, want completed", job.Status)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockIngester{}, WorkerOptions{})

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true with an empty queue")
	}
}

func TestWorker_FailureIsTerminal(t *testing.T) {
	store := openTestStore(t)
	jobID, err := Enqueue(store, "kb/broken.pdf")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ing := &mockIngester{ingestFn: func(context.Context, string) (storage.KBDocument, error) {
		return storage.KBDocument{Status: storage.StatusFailed}, errors.New("no text content")
	}}
	w := NewWorker(store, ing, WorkerOptions{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "failed" {
		t.Errorf("status = %q, want failed (no retry)", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("failed job was picked up again")
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "bad", Kind: JobType, Payload: `{"path":""}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	ing := &mockIngester{}
	if _, err := NewWorker(store, ing, WorkerOptions{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(ing.paths) != 0 {
		t.Errorf("ingester called with %v", ing.paths)
	}
	job, _ := store.GetJob("bad")
	if job.Status != "failed" {
		t.Errorf("status = %q, want failed", job.Status)
	}
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	store := openTestStore(t)
	for _, p := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		if _, err := Enqueue(store, p); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ing := &mockIngester{}
	ing.ingestFn = func(context.Context, string) (storage.KBDocument, error) {
		ing.mu.Lock()
		n := len(ing.paths)
		ing.mu.Unlock()
		if n == 3 {
			cancel()
		}
		return storage.KBDocument{}, nil
	}

	done := make(chan error, 1)
	go func() { done <- NewWorker(store, ing, WorkerOptions{Slots: 2}).Run(ctx) }()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}

	if len(ing.paths) != 3 {
		t.Errorf("processed %d jobs, want 3", len(ing.paths))
	}
}

func TestWorker_NotifyWakesIdleSlot(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processed := make(chan string, 1)
	ing := &mockIngester{ingestFn: func(_ context.Context, path string) (storage.KBDocument, error) {
		processed <- path
		return storage.KBDocument{}, nil
	}}
	w := NewWorker(store, ing, WorkerOptions{Poll: time.Hour})
	go w.Run(ctx)

	// Let the first empty poll happen, then enqueue and wake.
	time.Sleep(20 * time.Millisecond)
	if _, err := Enqueue(store, "late.pdf"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w.Notify()
	w.Notify()

	select {
	case p := <-processed:
		if p != "late.pdf" {
			t.Errorf("processed %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Notify did not wake the worker")
	}
}
