package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/astrorag/internal/chunker"
)

const keychainService = "astrorag"

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Gemini    GeminiConfig
	OpenAI    OpenAIConfig
	Storage   StorageConfig
	Log       LogConfig
	Retrieval RetrievalConfig
	Ingest    IngestConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Index     IndexConfig
	Prompt    PromptConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type GeminiConfig struct {
	APIKey     string
	ChatModel  string
	EmbedModel string
}

// OpenAIConfig covers any OpenAI-compatible endpoint, OpenRouter included.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RetrievalConfig struct {
	TopK         int
	SourceFilter string
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Concurrency  int    // embedding batches in flight per document
	Workers      int    // documents ingested at once by the background worker
	IDStrategy   string // "content" or "timestamp"
	Root         string // local paths resolve against this directory when set
	WatchDir     string
	WatchPattern string
	MaxFetchMB   int
}

type EmbeddingConfig struct {
	Provider  string // "ollama", "gemini" or "openai"
	BatchSize int
	Timeout   string
	Cache     bool
}

type LLMConfig struct {
	Provider    string // "openai", "ollama" or "gemini"
	Temperature float64
	MaxTokens   int
	Timeout     string
}

type IndexConfig struct {
	Backend   string // "sqlite" or "chromem"
	Namespace string
}

type PromptConfig struct {
	TemplatePath string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Gemini: GeminiConfig{
			ChatModel:  "gemini-1.5-flash",
			EmbedModel: "text-embedding-004",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Ingest: IngestConfig{
			ChunkSize:    500,
			ChunkOverlap: 100,
			Concurrency:  2,
			Workers:      1,
			IDStrategy:   "content",
			WatchPattern: "**/*.{pdf,txt,md,html,htm}",
			MaxFetchMB:   64,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			BatchSize: 10,
			Timeout:   "30s",
			Cache:     true,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Temperature: 0.7,
			MaxTokens:   1000,
			Timeout:     "60s",
		},
		Index: IndexConfig{
			Backend:   "sqlite",
			Namespace: "astroai-kb",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.astrorag.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/astrorag/config.json
// and secrets fall back to $XDG_DATA_HOME/astrorag/secrets.json.
//
// Environment variables (ASTRORAG_*) override backend values on all platforms.
// Load does not check provider credentials; call Validate before serving.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets still empty after env overrides come from the platform keychain.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// Validate checks value ranges and that the selected providers have the
// credentials they need.
func (c Config) Validate() error {
	var errs []error

	if err := chunker.Validate(c.Ingest.ChunkSize, c.Ingest.ChunkOverlap); err != nil {
		errs = append(errs, fmt.Errorf("ingest.chunk_size/ingest.chunk_overlap: %w", err))
	}
	if c.Ingest.IDStrategy != "content" && c.Ingest.IDStrategy != "timestamp" {
		errs = append(errs, fmt.Errorf("ingest.id_strategy must be content or timestamp, got %q", c.Ingest.IDStrategy))
	}
	if c.Index.Backend != "sqlite" && c.Index.Backend != "chromem" {
		errs = append(errs, fmt.Errorf("index.backend must be sqlite or chromem, got %q", c.Index.Backend))
	}
	if c.Index.Namespace == "" {
		errs = append(errs, errors.New("index.namespace must not be empty"))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be within [0,2], got %v", c.LLM.Temperature))
	}
	for key, d := range map[string]string{"embedding.timeout": c.Embedding.Timeout, "llm.timeout": c.LLM.Timeout} {
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	needs := map[string]bool{}
	for key, p := range map[string]string{"embedding.provider": c.Embedding.Provider, "llm.provider": c.LLM.Provider} {
		switch p {
		case "ollama":
		case "gemini", "openai":
			needs[p] = true
		default:
			errs = append(errs, fmt.Errorf("%s must be ollama, gemini or openai, got %q", key, p))
		}
	}
	if needs["gemini"] && c.Gemini.APIKey == "" {
		errs = append(errs, missingSecret("gemini.api_key"))
	}
	if needs["openai"] && c.OpenAI.APIKey == "" {
		errs = append(errs, missingSecret("openai.api_key"))
	}

	return errors.Join(errs...)
}

func missingSecret(key string) error {
	for _, s := range specs {
		if s.key == key {
			return fmt.Errorf("missing required config: %s. Set it via environment variable %s%s", key, s.env, apiKeyHint(s.account()))
		}
	}
	return fmt.Errorf("missing required config: %s", key)
}

// EmbeddingTimeout returns embedding.timeout, or zero when unparsable.
func (c Config) EmbeddingTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Embedding.Timeout)
	return d
}

// LLMTimeout returns llm.timeout, or zero when unparsable.
func (c Config) LLMTimeout() time.Duration {
	d, _ := time.ParseDuration(c.LLM.Timeout)
	return d
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
