package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

var (
	// ErrModelInvocation is returned when the model could not be reached or
	// produced no content.
	ErrModelInvocation = errors.New("llm: model invocation failed")

	// ErrValidation is returned when model output does not decode into a
	// Response with the required fields.
	ErrValidation = errors.New("llm: invalid model output")
)

// ConfidenceBreakdown splits the overall confidence by evidence source. Each
// value is in [0,1].
type ConfidenceBreakdown struct {
	Prokerala     float64 `json:"prokerala"`
	KnowledgeBase float64 `json:"knowledgeBase"`
	LLMConf       float64 `json:"llmConf"`
}

// Source is one knowledge-base reference cited by the model.
type Source struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// Response is the validated answer returned to callers.
type Response struct {
	ShortAnswer         string              `json:"shortAnswer"`
	PercentScore        int                 `json:"percentScore"`
	Explanation         string              `json:"explanation"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidenceBreakdown"`
	Sources             []Source            `json:"sources"`

	// Fallback is set on the canned response returned when the model call
	// or validation failed.
	Fallback bool `json:"-"`
}

// Fallback returns the fixed response used whenever a real answer is not
// available.
func Fallback() Response {
	return Response{
		ShortAnswer:  "I apologize, but I'm unable to provide an analysis at this time. Please try again later.",
		PercentScore: 50,
		Explanation:  "Technical difficulties prevented a proper analysis.",
		Sources:      []Source{},
		Fallback:     true,
	}
}

// wireResponse keeps every field raw so required fields can be type-checked
// and optional ones can degrade to zero values individually.
type wireResponse struct {
	ShortAnswer         json.RawMessage `json:"shortAnswer"`
	PercentScore        json.RawMessage `json:"percentScore"`
	Explanation         json.RawMessage `json:"explanation"`
	ConfidenceBreakdown json.RawMessage `json:"confidenceBreakdown"`
	Sources             json.RawMessage `json:"sources"`
}

// Parse decodes model output into a Response. The content must be a single
// JSON object, optionally wrapped in one Markdown code fence.
// shortAnswer and explanation must be non-empty strings and percentScore a
// number; everything else falls back to zero values when missing or
// malformed. percentScore is rounded and clamped to [0,100].
func Parse(content string) (Response, error) {
	body := stripFence(content)
	if body == "" {
		return Response{}, fmt.Errorf("%w: empty content", ErrValidation)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var w wireResponse
	if err := dec.Decode(&w); err != nil {
		return Response{}, fmt.Errorf("%w: decoding: %v", ErrValidation, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Response{}, fmt.Errorf("%w: trailing data after JSON object", ErrValidation)
	}

	var resp Response
	var err error
	if resp.ShortAnswer, err = requiredString(w.ShortAnswer, "shortAnswer"); err != nil {
		return Response{}, err
	}
	if resp.Explanation, err = requiredString(w.Explanation, "explanation"); err != nil {
		return Response{}, err
	}

	score, ok := number(w.PercentScore)
	if !ok {
		return Response{}, fmt.Errorf("%w: percentScore must be a number", ErrValidation)
	}
	resp.PercentScore = int(math.Round(clamp(score, 0, 100)))

	resp.ConfidenceBreakdown = parseBreakdown(w.ConfidenceBreakdown)
	resp.Sources = parseSources(w.Sources)
	return resp, nil
}

// stripFence removes one surrounding ``` fence (with an optional language
// tag) if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s[3:], "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		tag := strings.TrimSpace(inner[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{[") {
			inner = inner[nl+1:]
		}
	}
	return strings.TrimSpace(inner)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func requiredString(raw json.RawMessage, field string) (string, error) {
	if isNull(raw) {
		return "", fmt.Errorf("%w: %s is missing", ErrValidation, field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrValidation, field)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrValidation, field)
	}
	return s, nil
}

func number(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func parseBreakdown(raw json.RawMessage) ConfidenceBreakdown {
	var fields map[string]json.RawMessage
	if isNull(raw) || json.Unmarshal(raw, &fields) != nil {
		return ConfidenceBreakdown{}
	}
	get := func(key string) float64 {
		v, ok := number(fields[key])
		if !ok {
			return 0
		}
		return clamp(v, 0, 1)
	}
	return ConfidenceBreakdown{
		Prokerala:     get("prokerala"),
		KnowledgeBase: get("knowledgeBase"),
		LLMConf:       get("llmConf"),
	}
}

func parseSources(raw json.RawMessage) []Source {
	var items []json.RawMessage
	if isNull(raw) || json.Unmarshal(raw, &items) != nil {
		return []Source{}
	}
	out := make([]Source, 0, len(items))
	for _, item := range items {
		var s Source
		if isNull(item) || json.Unmarshal(item, &s) != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}
