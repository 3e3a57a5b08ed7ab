package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/astrorag/internal/ingest"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/storage"
)

type IngestRequest struct {
	Path string `json:"path"`
}

type documentView struct {
	ID          string     `json:"id"`
	FilePath    string     `json:"filePath"`
	FileName    string     `json:"fileName"`
	ContentHash string     `json:"contentHash,omitempty"`
	Status      string     `json:"status"`
	TotalChunks int        `json:"totalChunks"`
	TotalTokens int        `json:"totalTokens"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

func toDocumentView(d storage.KBDocument) documentView {
	return documentView{
		ID:          d.ID,
		FilePath:    d.FilePath,
		FileName:    d.FileName,
		ContentHash: d.ContentHash,
		Status:      d.Status,
		TotalChunks: d.TotalChunks,
		TotalTokens: d.TotalTokens,
		Error:       d.Error,
		CreatedAt:   d.CreatedAt,
		ProcessedAt: timePtr(d.ProcessedAt),
	}
}

type jobView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// handleIngest queues a document for the background worker. With ?wait=true
// and an Ingester configured, the document is ingested before responding.
func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.Path = strings.TrimSpace(req.Path)
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		if r.URL.Query().Get("wait") == "true" && deps.Ingester != nil {
			doc, err := deps.Ingester.Ingest(r.Context(), req.Path)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "ingesting %s: %v", req.Path, err)
				return
			}
			writeJSON(w, http.StatusOK, toDocumentView(doc))
			return
		}

		jobID, err := ingest.Enqueue(deps.Store, req.Path)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"jobId":  jobID,
			"status": "queued",
		})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, jobView{
			ID:        job.ID,
			Kind:      job.Kind,
			Status:    string(job.Status),
			Attempts:  job.Attempts,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)

		docs, err := deps.Store.ListDocuments(r.URL.Query().Get("status"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = toDocumentView(d)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetDocument(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toDocumentView(doc))
	}
}

// handleDeleteDocument removes a document's chunk vectors and then its status
// record.
func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		removed := 0
		if deps.Vectors != nil {
			n, err := deps.Vectors.Delete(r.Context(), deps.Namespace, retrieval.Filter{"docId": id})
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
				return
			}
			removed = n
		}

		if err := deps.Store.DeleteDocument(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "vectorsRemoved": removed})
	}
}
