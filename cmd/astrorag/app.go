package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/astrorag/internal/composer"
	"github.com/kalambet/astrorag/internal/config"
	"github.com/kalambet/astrorag/internal/embedcache"
	"github.com/kalambet/astrorag/internal/engine"
	"github.com/kalambet/astrorag/internal/extract"
	"github.com/kalambet/astrorag/internal/ingest"
	"github.com/kalambet/astrorag/internal/kundli"
	"github.com/kalambet/astrorag/internal/llm"
	"github.com/kalambet/astrorag/internal/openai"
	"github.com/kalambet/astrorag/internal/pipeline"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/source"
	"github.com/kalambet/astrorag/internal/storage"
)

const (
	embedCacheFile = "embeddings.db"
	chromemDir     = "chromem"
	fetchTimeout   = 60 * time.Second
)

// app holds every component of the answer and ingestion paths, wired from
// config.
type app struct {
	cfg       config.Config
	store     *storage.Store
	index     retrieval.VectorIndex
	embedder  *retrieval.Embedder
	retriever *retrieval.Retriever
	ingester  *ingest.Pipeline
	kundli    *kundli.Manager
	composer  *composer.Composer
	answers   *pipeline.Service

	engines map[string]engine.Engine
	closers []io.Closer
}

type appOptions struct {
	// ensureModels checks Ollama and pulls missing models before wiring.
	ensureModels bool
	// progress is forwarded to the ingestion pipeline.
	progress func(docID string, done, total int)
	// readiness output for model pulls.
	out io.Writer
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if opts.ensureModels {
		if err := a.ensureOllama(ctx, opts.out); err != nil {
			return nil, err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	embedProvider, embedModel, err := a.embeddingProvider(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Embedding.Cache {
		cache, err := embedcache.Open(filepath.Join(cfg.Storage.DataDir, embedCacheFile),
			cfg.Embedding.Provider+":"+embedModel, embedProvider)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cache)
		embedProvider = cache
	}
	a.embedder = retrieval.NewEmbedder(embedProvider, cfg.Embedding.BatchSize, cfg.EmbeddingTimeout())

	switch cfg.Index.Backend {
	case "chromem":
		idx, err := retrieval.NewChromemStore(filepath.Join(cfg.Storage.DataDir, chromemDir))
		if err != nil {
			return nil, err
		}
		a.index = idx
	default:
		a.index = retrieval.NewSQLiteStore(store.DB())
	}

	a.retriever = retrieval.NewRetriever(a.embedder, a.index).WithNamespace(cfg.Index.Namespace)

	idFunc, err := ingest.IDFuncFor(cfg.Ingest.IDStrategy)
	if err != nil {
		return nil, err
	}
	src := source.Mux{
		Local:  source.Local{Root: cfg.Ingest.Root},
		Remote: source.NewHTTP(fetchTimeout, int64(cfg.Ingest.MaxFetchMB)<<20),
	}
	a.ingester, err = ingest.NewPipeline(src, extract.NewMux(), a.embedder, a.index, store, ingest.Options{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		BatchSize:    cfg.Embedding.BatchSize,
		Concurrency:  cfg.Ingest.Concurrency,
		Namespace:    cfg.Index.Namespace,
		IDFunc:       idFunc,
		Progress:     opts.progress,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring ingestion: %w", err)
	}

	a.composer = composer.New()
	if cfg.Prompt.TemplatePath != "" {
		tmpl, err := composer.LoadTemplate(cfg.Prompt.TemplatePath)
		if err != nil {
			return nil, err
		}
		a.composer = composer.NewWithTemplate(tmpl)
	}

	completer, err := a.completer(ctx)
	if err != nil {
		return nil, err
	}
	caller := llm.NewCaller(completer, llm.Config{
		System:      a.composer.System(),
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLMTimeout(),
	})

	a.kundli = kundli.NewManager(store)
	a.answers = pipeline.NewService(a.retriever, a.composer, caller, pipeline.Options{
		Kundli:       a.kundli,
		Store:        store,
		TopK:         cfg.Retrieval.TopK,
		SourceFilter: cfg.Retrieval.SourceFilter,
	})

	slog.Debug("components wired",
		"embedding", cfg.Embedding.Provider,
		"llm", cfg.LLM.Provider,
		"index", cfg.Index.Backend,
		"namespace", cfg.Index.Namespace,
		"prompt", a.composer.Version(),
	)
	ok = true
	return a, nil
}

// Close releases every component in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ensureOllama runs the Ollama readiness check for the models that the
// configured providers need from it. It is a no-op when neither provider is
// Ollama.
func (a *app) ensureOllama(ctx context.Context, w io.Writer) error {
	var models []string
	if a.cfg.LLM.Provider == engine.ProviderOllama {
		models = append(models, a.cfg.Ollama.ChatModel)
	}
	if a.cfg.Embedding.Provider == engine.ProviderOllama {
		models = append(models, a.cfg.Ollama.EmbedModel)
	}
	if len(models) == 0 {
		return nil
	}
	if w == nil {
		w = io.Discard
	}
	return engine.EnsureReady(ctx, engine.NewOllamaEngine(a.cfg.Ollama.BaseURL), w, models...)
}

// localEngine returns the engine for an ollama or gemini provider. Engines
// are shared between the embedding and chat paths.
func (a *app) localEngine(ctx context.Context, provider string) (engine.Engine, error) {
	if eng, ok := a.engines[provider]; ok {
		return eng, nil
	}
	eng, err := engine.Detect(ctx, engine.DetectConfig{
		Provider:      provider,
		OllamaBaseURL: a.cfg.Ollama.BaseURL,
		GeminiAPIKey:  a.cfg.Gemini.APIKey,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := eng.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if a.engines == nil {
		a.engines = make(map[string]engine.Engine)
	}
	a.engines[provider] = eng
	return eng, nil
}

func (a *app) embeddingProvider(ctx context.Context) (retrieval.EmbeddingProvider, string, error) {
	switch p := a.cfg.Embedding.Provider; p {
	case "openai":
		client := openai.New(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.BaseURL)
		return client.EmbeddingProvider(a.cfg.OpenAI.EmbedModel), a.cfg.OpenAI.EmbedModel, nil
	case engine.ProviderGemini:
		eng, err := a.localEngine(ctx, p)
		if err != nil {
			return nil, "", err
		}
		return engine.EmbeddingProvider(eng, a.cfg.Gemini.EmbedModel), a.cfg.Gemini.EmbedModel, nil
	default:
		eng, err := a.localEngine(ctx, engine.ProviderOllama)
		if err != nil {
			return nil, "", err
		}
		return engine.EmbeddingProvider(eng, a.cfg.Ollama.EmbedModel), a.cfg.Ollama.EmbedModel, nil
	}
}

func (a *app) completer(ctx context.Context) (llm.Completer, error) {
	switch p := a.cfg.LLM.Provider; p {
	case "openai":
		client := openai.New(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.BaseURL)
		return client.Completer(a.cfg.OpenAI.ChatModel), nil
	case engine.ProviderGemini:
		eng, err := a.localEngine(ctx, p)
		if err != nil {
			return nil, err
		}
		return engine.Completer(eng, a.cfg.Gemini.ChatModel), nil
	default:
		eng, err := a.localEngine(ctx, engine.ProviderOllama)
		if err != nil {
			return nil, err
		}
		return engine.Completer(eng, a.cfg.Ollama.ChatModel), nil
	}
}
