package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/astrorag/internal/composer"
	"github.com/kalambet/astrorag/internal/llm"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/storage"
)

// ErrInvalidRequest is returned for a request that cannot be answered as
// given (empty question, unknown category).
var ErrInvalidRequest = errors.New("invalid request")

// Categories are the accepted question categories. An empty category means
// "custom".
var Categories = []string{"love", "finance", "career", "family", "health", "custom"}

const DefaultCategory = "custom"

// Retriever fetches knowledge-base snippets for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int, sourceURI string) []retrieval.Snippet
}

// Caller turns a composed prompt into a validated answer.
type Caller interface {
	Call(ctx context.Context, prompt string) llm.Response
}

// KundliResolver chooses the kundli facts for a request.
type KundliResolver interface {
	Resolve(inline, key string) (string, error)
}

// QuestionStore records answered questions.
type QuestionStore interface {
	SaveQuestion(q storage.Question) error
}

// Request is one question to answer.
type Request struct {
	Question       string `json:"question"`
	KundliFacts    string `json:"kundliFacts,omitempty"`
	KundliCacheKey string `json:"kundliCacheKey,omitempty"`
	TopK           int    `json:"topK,omitempty"`
	SourceFilter   string `json:"sourceFilter,omitempty"`
	Category       string `json:"category,omitempty"`
}

// Metadata captures diagnostic information about how an answer was built.
type Metadata struct {
	SnippetsUsed  []string `json:"snippetsUsed"`
	KundliUsed    bool     `json:"kundliUsed"`
	PromptVersion string   `json:"promptVersion"`
	DurationMs    int64    `json:"durationMs"`
}

// Result is the answer plus the record it was stored under.
type Result struct {
	ID       string              `json:"id"`
	Category string              `json:"category"`
	Answer   llm.Response        `json:"answer"`
	Fallback bool                `json:"fallback"`
	Snippets []retrieval.Snippet `json:"snippets"`
	Meta     Metadata            `json:"meta"`
}

// Options configure a Service. Kundli and Store are optional.
type Options struct {
	Kundli       KundliResolver
	Store        QuestionStore
	TopK         int
	SourceFilter string
}

// Service answers questions: resolve kundli facts, retrieve snippets,
// compose the prompt, call the model and record the result.
type Service struct {
	retriever Retriever
	composer  *composer.Composer
	caller    Caller
	kundli    KundliResolver
	store     QuestionStore
	topK      int
	source    string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. topK defaults to retrieval.DefaultTopK.
func NewService(r Retriever, comp *composer.Composer, caller Caller, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = retrieval.DefaultTopK
	}
	return &Service{
		retriever: r,
		composer:  comp,
		caller:    caller,
		kundli:    opts.Kundli,
		store:     opts.Store,
		topK:      opts.TopK,
		source:    opts.SourceFilter,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// ValidCategory reports whether c is an accepted category. Empty counts as
// valid.
func ValidCategory(c string) bool {
	return c == "" || slices.Contains(Categories, c)
}

// Answer runs the full answer path. Only request validation fails; every
// downstream problem degrades to fewer snippets, no kundli facts or the
// fallback answer.
func (s *Service) Answer(ctx context.Context, req Request) (Result, error) {
	start := s.now()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, fmt.Errorf("%w: missing or empty question", ErrInvalidRequest)
	}
	category := req.Category
	if category == "" {
		category = DefaultCategory
	}
	if !ValidCategory(category) {
		return Result{}, fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, req.Category)
	}

	facts := req.KundliFacts
	if s.kundli != nil {
		resolved, err := s.kundli.Resolve(req.KundliFacts, req.KundliCacheKey)
		if err != nil {
			s.logger.Warn("answer: loading kundli facts failed", "cache_key", req.KundliCacheKey, "error", err)
		} else {
			facts = resolved
		}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}
	topK = min(topK, retrieval.MaxTopK)
	source := req.SourceFilter
	if source == "" {
		source = s.source
	}

	snippets := s.retriever.Retrieve(ctx, question, topK, source)
	prompt := s.composer.Compose(facts, snippets, question)
	answer := s.caller.Call(ctx, prompt)

	res := Result{
		ID:       uuid.New().String(),
		Category: category,
		Answer:   answer,
		Fallback: answer.Fallback,
		Snippets: snippets,
		Meta: Metadata{
			SnippetsUsed:  make([]string, len(snippets)),
			KundliUsed:    strings.TrimSpace(facts) != "",
			PromptVersion: s.composer.Version(),
		},
	}
	for i, sn := range snippets {
		res.Meta.SnippetsUsed[i] = sn.ID
	}

	s.record(res, question, req.KundliCacheKey, start)

	res.Meta.DurationMs = s.now().Sub(start).Milliseconds()
	s.logger.Debug("answer complete",
		"id", res.ID,
		"snippets", len(snippets),
		"fallback", res.Fallback,
		"duration_ms", res.Meta.DurationMs,
	)
	return res, nil
}

// record stores the answered question. Failures are logged; the caller
// still gets its answer.
func (s *Service) record(res Result, question, cacheKey string, at time.Time) {
	if s.store == nil {
		return
	}
	answerJSON, err := json.Marshal(res.Answer)
	if err != nil {
		s.logger.Warn("answer: encoding answer failed", "id", res.ID, "error", err)
		return
	}
	err = s.store.SaveQuestion(storage.Question{
		ID:             res.ID,
		Category:       res.Category,
		Question:       question,
		KundliCacheKey: cacheKey,
		AnswerJSON:     string(answerJSON),
		IsFallback:     res.Fallback,
		CreatedAt:      at,
	})
	if err != nil {
		s.logger.Warn("answer: saving question failed", "id", res.ID, "error", err)
	}
}
