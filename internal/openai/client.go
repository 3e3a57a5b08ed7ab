// Package openai is a small client for OpenAI-compatible chat and embedding
// endpoints, used when astrorag runs against OpenAI or OpenRouter instead of
// a local model.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/astrorag/internal/llm"
	"github.com/kalambet/astrorag/internal/retrieval"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
	maxRetryAfter   = 30 * time.Second
	errorBodyLimit  = 4 << 10
)

// StatusError is a non-200 answer from the API.
type StatusError struct {
	Code       int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("openai: HTTP %d", e.Code)
	}
	return fmt.Sprintf("openai: HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether the request may succeed if sent again.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable
}

// Client calls one OpenAI-compatible API with a bearer key.
type Client struct {
	key      string
	base     string
	http     *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which has a 60s timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets how many times a temporary failure is attempted and the
// first delay between attempts. The delay doubles each time unless the server
// sends Retry-After.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.attempts = max(attempts, 1)
		c.backoff = backoff
	}
}

// New returns a client for baseURL, or for OpenAI when baseURL is empty.
func New(apiKey, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		key:      apiKey,
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 60 * time.Second},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   slog.Default().With("component", "openai"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chat sends a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	err := c.do(ctx, http.MethodPost, "/chat/completions", req, &resp)
	return resp, err
}

// Embed returns one vector per text, in input order whatever order the API
// lists them in.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp embeddingResponse
	if err := c.do(ctx, http.MethodPost, "/embeddings", embeddingRequest{Model: model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai: embedding index %d out of range or repeated", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Models lists the model IDs the key can use.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/models", nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Completer answers llm requests with model, asking for a JSON object reply.
func (c *Client) Completer(model string) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, req llm.Request) (string, error) {
		cr := ChatRequest{
			Model:          model,
			MaxTokens:      req.MaxTokens,
			ResponseFormat: &ResponseFormat{Type: "json_object"},
		}
		if req.System != "" {
			cr.Messages = append(cr.Messages, Message{Role: "system", Content: req.System})
		}
		cr.Messages = append(cr.Messages, Message{Role: "user", Content: req.Prompt})
		if req.Temperature > 0 {
			cr.Temperature = &req.Temperature
		}

		resp, err := c.Chat(ctx, cr)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai: chat response has no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// EmbeddingProvider embeds with model.
func (c *Client) EmbeddingProvider(model string) retrieval.EmbeddingProvider {
	return retrieval.EmbeddingFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		return c.Embed(ctx, model, texts)
	})
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("openai: encoding request: %w", err)
		}
	}

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.once(ctx, method, path, body, out)
		var se *StatusError
		if err == nil || !errors.As(err, &se) || !se.Temporary() || attempt >= c.attempts {
			if se != nil && se.Temporary() && attempt > 1 {
				return fmt.Errorf("openai: giving up after %d attempts: %w", attempt, err)
			}
			return err
		}

		wait := delay
		if se.retryAfter > 0 {
			wait = se.retryAfter
		}
		c.logger.Debug("retrying", "path", path, "status", se.Code, "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// OpenRouter attribution headers; other providers ignore them.
	req.Header.Set("HTTP-Referer", "https://github.com/kalambet/astrorag")
	req.Header.Set("X-Title", "astrorag")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("openai: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decoding %s response: %w", path, err)
	}
	return nil
}

// parseRetryAfter reads the delay-seconds form of Retry-After. HTTP dates and
// junk yield zero.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}
