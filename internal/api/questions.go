package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/astrorag/internal/kundli"
	"github.com/kalambet/astrorag/internal/pipeline"
	"github.com/kalambet/astrorag/internal/storage"
)

type questionView struct {
	ID             string          `json:"id"`
	Category       string          `json:"category"`
	Question       string          `json:"question"`
	KundliCacheKey string          `json:"kundliCacheKey,omitempty"`
	Answer         json.RawMessage `json:"answer"`
	Fallback       bool            `json:"fallback"`
	Verified       bool            `json:"verified"`
	IsAccurate     *bool           `json:"isAccurate,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	VerifiedAt     *time.Time      `json:"verifiedAt,omitempty"`
}

func toQuestionView(q storage.Question) questionView {
	answer := json.RawMessage(q.AnswerJSON)
	if !json.Valid(answer) {
		answer = json.RawMessage("null")
	}
	return questionView{
		ID:             q.ID,
		Category:       q.Category,
		Question:       q.Question,
		KundliCacheKey: q.KundliCacheKey,
		Answer:         answer,
		Fallback:       q.IsFallback,
		Verified:       q.Verified,
		IsAccurate:     q.IsAccurate,
		CreatedAt:      q.CreatedAt,
		VerifiedAt:     timePtr(q.VerifiedAt),
	}
}

func handleListQuestions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := r.URL.Query().Get("category")
		if !pipeline.ValidCategory(category) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown category %q", category)
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)

		qs, err := deps.Store.ListQuestions(category, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list questions: %v", err)
			return
		}

		views := make([]questionView, len(qs))
		for i, q := range qs {
			views[i] = toQuestionView(q)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetQuestion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Store.GetQuestion(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "question not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get question: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toQuestionView(q))
	}
}

func handleVerifyQuestion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Accurate *bool `json:"accurate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if body.Accurate == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "accurate is required")
			return
		}

		err := deps.Store.VerifyQuestion(chi.URLParam(r, "id"), *body.Accurate)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "question not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to verify question: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	}
}

func handleGetKundli(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		facts, err := deps.Kundli.Get(key)
		if errors.Is(err, kundli.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no kundli stored under %q", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load kundli: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "facts": facts})
	}
}

func handlePutKundli(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Facts string `json:"facts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		key := chi.URLParam(r, "key")
		err := deps.Kundli.Set(key, body.Facts)
		if errors.Is(err, kundli.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store kundli: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "key": key})
	}
}
