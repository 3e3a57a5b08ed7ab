package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/astrorag/internal/config"
)

// apiClient talks to a running `astrorag serve` over its JSON API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// serverError is a non-2xx answer from the server.
type serverError struct {
	Status  int
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// newAPIClient is a variable so tests can point the CLI at an httptest server.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   cfg.Server.APIToken,
		// /ask blocks on the model.
		http: &http.Client{Timeout: cfg.LLMTimeout() + 30*time.Second},
	}, nil
}

// call sends in (when non-nil) as JSON and decodes the response into out
// (when non-nil).
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is `astrorag serve` running? (%w)", err)
	}
	return readResponse(resp, out)
}

// readResponse closes resp. Error bodies in the {"error":{"message":...}}
// shape become a serverError carrying that message.
func readResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &serverError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		se.Message = envelope.Error.Message
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}

// isNotFound reports whether err is a 404 from the server.
func isNotFound(err error) bool {
	var se *serverError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
