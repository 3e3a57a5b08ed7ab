package llm

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

const validJSON = `{
  "shortAnswer": "A job change is likely next year.",
  "percentScore": 72,
  "explanation": "Saturn transits the fifth from natal Jupiter.",
  "confidenceBreakdown": {"prokerala": 0.9, "knowledgeBase": 0.6, "llmConf": 0.7},
  "sources": [{"id": "bnn_chunk_3", "snippet": "Saturn with Jupiter", "source": "bnn.pdf"}]
}`

func staticCompleter(content string, err error) Completer {
	return CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		return content, err
	})
}

func TestCall_Valid(t *testing.T) {
	c := NewCaller(staticCompleter(validJSON, nil), Config{})

	got := c.Call(context.Background(), "prompt")

	if got.Fallback {
		t.Fatal("valid output should not produce the fallback")
	}
	if got.ShortAnswer != "A job change is likely next year." || got.PercentScore != 72 {
		t.Errorf("unexpected response: %+v", got)
	}
	if got.ConfidenceBreakdown.KnowledgeBase != 0.6 {
		t.Errorf("KnowledgeBase = %v", got.ConfidenceBreakdown.KnowledgeBase)
	}
	if len(got.Sources) != 1 || got.Sources[0].Source != "bnn.pdf" {
		t.Errorf("Sources = %+v", got.Sources)
	}
}

func TestCall_PassesRequestParameters(t *testing.T) {
	var got Request
	c := NewCaller(CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		got = req
		return validJSON, nil
	}), Config{System: "sys"})

	c.Call(context.Background(), "the prompt")

	want := Request{System: "sys", Prompt: "the prompt", Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestCall_InvocationErrorFallsBack(t *testing.T) {
	c := NewCaller(staticCompleter("", errors.New("connection refused")), Config{})

	got := c.Call(context.Background(), "prompt")
	if !reflect.DeepEqual(got, Fallback()) {
		t.Errorf("got %+v, want fallback", got)
	}

	_, err := c.Try(context.Background(), "prompt")
	if !errors.Is(err, ErrModelInvocation) {
		t.Errorf("Try error = %v, want ErrModelInvocation", err)
	}
}

func TestCall_EmptyContent(t *testing.T) {
	c := NewCaller(staticCompleter("  \n", nil), Config{})
	if _, err := c.Try(context.Background(), "p"); !errors.Is(err, ErrModelInvocation) {
		t.Errorf("err = %v, want ErrModelInvocation", err)
	}
	if !c.Call(context.Background(), "p").Fallback {
		t.Error("empty content should fall back")
	}
}

func TestCall_MissingPercentScore(t *testing.T) {
	c := NewCaller(staticCompleter(`{"shortAnswer":"Yes","explanation":"x"}`, nil), Config{})

	got := c.Call(context.Background(), "p")
	if !reflect.DeepEqual(got, Fallback()) {
		t.Errorf("got %+v, want fallback", got)
	}
	if _, err := c.Try(context.Background(), "p"); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	c := NewCaller(CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), Config{Timeout: 10 * time.Millisecond})

	start := time.Now()
	got := c.Call(context.Background(), "p")
	if !got.Fallback {
		t.Error("timed-out call should fall back")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout was not applied")
	}
}

func TestFallbackShape(t *testing.T) {
	f := Fallback()
	if f.PercentScore != 50 {
		t.Errorf("PercentScore = %d, want 50", f.PercentScore)
	}
	if f.ShortAnswer != "I apologize, but I'm unable to provide an analysis at this time. Please try again later." {
		t.Errorf("ShortAnswer = %q", f.ShortAnswer)
	}
	if f.Explanation != "Technical difficulties prevented a proper analysis." {
		t.Errorf("Explanation = %q", f.Explanation)
	}
	if f.ConfidenceBreakdown != (ConfidenceBreakdown{}) {
		t.Errorf("ConfidenceBreakdown = %+v, want zeros", f.ConfidenceBreakdown)
	}
	if f.Sources == nil || len(f.Sources) != 0 {
		t.Errorf("Sources = %#v, want empty non-nil", f.Sources)
	}
}
