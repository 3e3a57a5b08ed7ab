package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 60 * time.Second
)

// Request is one completion call: a system message, the composed prompt and
// sampling parameters.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completer is a chat-completion backend returning the raw assistant text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Config holds the caller's fixed parameters. Zero values select the
// defaults.
type Config struct {
	System      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Caller sends a composed prompt to the model and validates what comes back.
type Caller struct {
	completer Completer
	cfg       Config
	logger    *slog.Logger
}

// NewCaller creates a Caller over c.
func NewCaller(c Completer, cfg Config) *Caller {
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Caller{completer: c, cfg: cfg, logger: slog.Default()}
}

// Call returns the model's validated answer to prompt. It never fails:
// invocation and validation errors are logged and the Fallback response is
// returned instead.
func (c *Caller) Call(ctx context.Context, prompt string) Response {
	resp, err := c.Try(ctx, prompt)
	if err != nil {
		c.logger.Warn("llm call failed, returning fallback", "error", err)
		return Fallback()
	}
	return resp
}

// Try is Call without the fallback. Errors wrap ErrModelInvocation or
// ErrValidation.
func (c *Caller) Try(ctx context.Context, prompt string) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	content, err := c.completer.Complete(callCtx, Request{
		System:      c.cfg.System,
		Prompt:      prompt,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrModelInvocation, err)
	}
	if strings.TrimSpace(content) == "" {
		return Response{}, fmt.Errorf("%w: empty response", ErrModelInvocation)
	}

	return Parse(content)
}
