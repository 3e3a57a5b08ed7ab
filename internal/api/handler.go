package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/astrorag/internal/pipeline"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Answerer runs the question-answering path.
type Answerer interface {
	Answer(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Searcher looks up knowledge-base snippets without calling the model.
type Searcher interface {
	Retrieve(ctx context.Context, question string, topK int, sourceURI string) []retrieval.Snippet
}

// Ingester runs one document through ingestion synchronously.
type Ingester interface {
	Ingest(ctx context.Context, path string) (storage.KBDocument, error)
}

// VectorDeleter abstracts vector index deletion for the API layer.
type VectorDeleter interface {
	Delete(ctx context.Context, namespace string, filter retrieval.Filter) (int, error)
}

// KundliStore reads and writes cached kundli facts.
type KundliStore interface {
	Get(key string) (string, error)
	Set(key, facts string) error
}

type AppDeps struct {
	Store     *storage.Store
	Answerer  Answerer
	Searcher  Searcher
	Kundli    KundliStore
	Ingester  Ingester      // optional; enables ?wait=true on POST /ingest
	Vectors   VectorDeleter // optional; if nil, vector cleanup is skipped on delete
	Namespace string
	Token     string // empty disables bearer auth
}

// NewAppHandler returns the REST API. /health is always public; everything
// else sits behind bearer auth when a token is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Namespace == "" {
		deps.Namespace = retrieval.Namespace
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/ask", handleAsk(deps))
		r.Get("/search", handleSearch(deps))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))

		r.Get("/questions", handleListQuestions(deps))
		r.Get("/questions/{id}", handleGetQuestion(deps))
		r.Post("/questions/{id}/verify", handleVerifyQuestion(deps))

		r.Get("/kundli/{key}", handleGetKundli(deps))
		r.Put("/kundli/{key}", handlePutKundli(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Store != nil {
			if counts, err := deps.Store.CountDocuments(); err == nil {
				resp["documents"] = counts
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
