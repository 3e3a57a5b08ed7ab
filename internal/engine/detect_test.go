package engine

import (
	"context"
	"testing"
)

func TestDetect_DefaultsToOllama(t *testing.T) {
	for _, provider := range []string{"", ProviderOllama} {
		e, err := Detect(context.Background(), DetectConfig{Provider: provider, OllamaBaseURL: "http://localhost:11434"})
		if err != nil {
			t.Fatalf("Detect(%q): %v", provider, err)
		}
		if _, ok := e.(*OllamaEngine); !ok {
			t.Errorf("Detect(%q) returned %T, want *OllamaEngine", provider, e)
		}
	}
}

func TestDetect_GeminiRequiresKey(t *testing.T) {
	if _, err := Detect(context.Background(), DetectConfig{Provider: ProviderGemini}); err == nil {
		t.Error("expected error without an API key")
	}
}

func TestDetect_Unknown(t *testing.T) {
	if _, err := Detect(context.Background(), DetectConfig{Provider: "mlx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
