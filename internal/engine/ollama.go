package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrModelNotFound is returned when Ollama does not have the requested
// model.
var ErrModelNotFound = errors.New("ollama: model not found")

const pingTimeout = 2 * time.Second

// OllamaEngine talks to an Ollama server over its HTTP API.
type OllamaEngine struct {
	baseURL string
	http    *http.Client
}

var (
	_ Engine       = (*OllamaEngine)(nil)
	_ ModelManager = (*OllamaEngine)(nil)
)

// NewOllamaEngine returns an engine for the server at baseURL. Requests are
// bounded by their context only; model pulls can take minutes.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	req := ollamaChatRequest{Model: model, Messages: messages}
	if opts.JSON {
		req.Format = "json"
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		req.Options = &ollamaOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}

	var resp struct {
		Message Message `json:"message"`
	}
	if err := e.call(ctx, http.MethodPost, "/api/chat", req, &resp); err != nil {
		return "", fmt.Errorf("chat with %s: %w", model, err)
	}
	return resp.Message.Content, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{model, texts}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.call(ctx, http.MethodPost, "/api/embed", req, &resp); err != nil {
		return nil, fmt.Errorf("embed with %s: %w", model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed with %s: got %d vectors for %d texts", model, len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (e *OllamaEngine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	var v struct {
		Version string `json:"version"`
	}
	if err := e.call(ctx, http.MethodGet, "/api/version", nil, &v); err != nil {
		return fmt.Errorf("ollama at %s is not reachable (start it with `ollama serve`): %w", e.baseURL, err)
	}
	return nil
}

// HasModel matches name against local models. A name without a tag matches
// any tag of that model, so "llama3.2" finds "llama3.2:latest".
func (e *OllamaEngine) HasModel(ctx context.Context, name string) (bool, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := e.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return false, fmt.Errorf("listing models: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == name || (!strings.Contains(name, ":") && strings.HasPrefix(m.Name, name+":")) {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads name, passing each streamed status line to onProgress.
func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"model": name, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pulling %s: %w", name, responseError(resp))
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var p struct {
			PullProgress
			Error string `json:"error"`
		}
		if err := json.Unmarshal(line, &p); err != nil {
			return fmt.Errorf("pulling %s: bad progress line: %w", name, err)
		}
		if p.Error != "" {
			return fmt.Errorf("pulling %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p.PullProgress)
		}
	}
	return sc.Err()
}

// call sends in as JSON (when non-nil) and decodes the reply into out.
func (e *OllamaEngine) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// responseError turns a non-200 reply into an error carrying Ollama's
// message. A 404 naming a model wraps ErrModelNotFound.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(msg, "model") {
		return fmt.Errorf("%w: %s", ErrModelNotFound, msg)
	}
	if msg == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}
