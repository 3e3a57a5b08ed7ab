package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/astrorag/internal/pipeline"
	"github.com/kalambet/astrorag/internal/retrieval"
)

const maxSearchResults = retrieval.MaxTopK

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Answerer.Answer(r.Context(), req)
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "answering question: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		topK := parseIntParam(r, "topK", retrieval.DefaultTopK, maxSearchResults)
		if topK == 0 {
			topK = retrieval.DefaultTopK
		}

		snippets := deps.Searcher.Retrieve(r.Context(), q, topK, r.URL.Query().Get("source"))
		if snippets == nil {
			snippets = []retrieval.Snippet{}
		}
		writeJSON(w, http.StatusOK, snippets)
	}
}
