package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/astrorag/internal/api"
	"github.com/kalambet/astrorag/internal/config"
	"github.com/kalambet/astrorag/internal/engine"
	"github.com/kalambet/astrorag/internal/ingest"
	"github.com/kalambet/astrorag/internal/openai"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the astrorag server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running astrorag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show astrorag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio (no HTTP server)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

// pidFile records the serving process so `astrorag stop` can signal it.
type pidFile string

func pidFileFor(cfg config.Config) pidFile {
	return pidFile(filepath.Join(cfg.Storage.DataDir, "astrorag.pid"))
}

func (p pidFile) write() error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p pidFile) remove() { _ = os.Remove(string(p)) }

// alreadyServing reports a running instance by probing its health endpoint.
func alreadyServing(cfg config.Config) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		return nil
	}
	resp.Body.Close()
	if pid, err := pidFileFor(cfg).read(); err == nil {
		return fmt.Errorf("astrorag is already running (PID %d)", pid)
	}
	return fmt.Errorf("something is already serving on port %d", cfg.Server.Port)
}

func newMCPServer(a *app) *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Store:    a.store,
		Answerer: a.answers,
		Searcher: a.retriever,
		Version:  version,
	})
}

func serveStdio(ctx context.Context, a *app) error {
	err := server.NewStdioServer(newMCPServer(a)).Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServer(withMCP bool) error {
	fmt.Fprintf(messages, "astrorag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	if err := alreadyServing(cfg); err != nil {
		printWarning("%v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{ensureModels: true, out: messages})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing components", "error", err)
		}
	}()

	pid := pidFileFor(cfg)
	if err := pid.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pid.remove()

	if n, err := a.store.RequeueRunningJobs(); err != nil {
		slog.Warn("requeueing interrupted jobs failed", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted ingest jobs", "count", n)
	}
	if cfg.Server.APIToken == "" {
		printWarning("no API token set; the API accepts unauthenticated requests on 127.0.0.1 (set ASTRORAG_API_TOKEN)")
	}

	worker := ingest.NewWorker(a.store, a.ingester, ingest.WorkerOptions{Slots: cfg.Ingest.Workers})
	srv := &http.Server{
		Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: api.NewAppHandler(api.AppDeps{
			Store:     a.store,
			Answerer:  a.answers,
			Searcher:  a.retriever,
			Kundli:    a.kundli,
			Ingester:  a.ingester,
			Vectors:   a.index,
			Namespace: cfg.Index.Namespace,
			Token:     cfg.Server.APIToken,
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		fmt.Fprintf(messages, "astrorag listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(messages, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Ingest.WatchDir != "" {
		watcher, err := ingest.NewWatcher(cfg.Ingest.WatchDir, cfg.Ingest.WatchPattern, time.Second, func(path string) error {
			if _, err := ingest.Enqueue(a.store, path); err != nil {
				return err
			}
			worker.Notify()
			return nil
		})
		if err != nil {
			stop()
			return errors.Join(err, g.Wait())
		}
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				slog.Error("document watcher stopped", "error", err)
			}
			return nil
		})
	}

	if withMCP {
		g.Go(func() error {
			if err := serveStdio(gctx, a); err != nil {
				slog.Error("MCP stdio server stopped", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// runMCP serves MCP on stdio with an in-process worker so that queued
// documents are ingested while the session lasts.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{ensureModels: true, out: messages})
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingest.NewWorker(a.store, a.ingester, ingest.WorkerOptions{Poll: time.Second}).Run(gctx)
	})
	g.Go(func() error {
		defer stop()
		return serveStdio(gctx, a)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pf := pidFileFor(cfg)
	pid, err := pf.read()
	if err != nil {
		printError("astrorag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop astrorag (PID %d): %v", pid, err)
		pf.remove()
		return err
	}

	printSuccess("Sent stop signal to astrorag (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var health struct {
		Status    string         `json:"status"`
		Documents map[string]int `json:"documents"`
	}
	resp, err := client.Get(serverURL + "/health")
	if err == nil {
		err = readResponse(resp, &health)
	}
	var se *serverError
	switch {
	case errors.As(err, &se):
		printStatus("Server", "error (HTTP %d)", se.Status)
	case err != nil:
		printStatus("Server", "stopped")
	default:
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Documents", "%s", documentCounts(health.Documents))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cfg.LLM.Provider == "ollama" || cfg.Embedding.Provider == "ollama" {
		if err := engine.NewOllamaEngine(cfg.Ollama.BaseURL).Ping(ctx); err != nil {
			printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}
	if (cfg.LLM.Provider == "openai" || cfg.Embedding.Provider == "openai") && cfg.OpenAI.APIKey != "" {
		printStatus("OpenAI", "%s", openAIStatus(ctx, cfg))
	}

	printStatus("LLM", "%s (%s)", cfg.LLM.Provider, chatModel(cfg))
	printStatus("Embeddings", "%s (%s)", cfg.Embedding.Provider, embedModel(cfg))
	printStatus("Index", "%s, namespace %s", cfg.Index.Backend, cfg.Index.Namespace)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if err := cfg.Validate(); err != nil {
		printWarning("configuration problems:\n%v", err)
	}
	return nil
}

// openAIStatus checks that the key works and can see the configured models.
func openAIStatus(ctx context.Context, cfg config.Config) string {
	ids, err := openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL).Models(ctx)
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	var missing []string
	if cfg.LLM.Provider == "openai" && !slices.Contains(ids, cfg.OpenAI.ChatModel) {
		missing = append(missing, cfg.OpenAI.ChatModel)
	}
	if cfg.Embedding.Provider == "openai" && !slices.Contains(ids, cfg.OpenAI.EmbedModel) {
		missing = append(missing, cfg.OpenAI.EmbedModel)
	}
	if len(missing) > 0 {
		return "reachable, missing " + strings.Join(missing, ", ")
	}
	base := cfg.OpenAI.BaseURL
	if base == "" {
		base = openai.DefaultBaseURL
	}
	return "reachable at " + base
}

func documentCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	return fmt.Sprintf("%d completed, %d failed, %d pending",
		counts["completed"], counts["failed"], counts["pending"])
}

func chatModel(cfg config.Config) string {
	switch cfg.LLM.Provider {
	case "openai":
		return cfg.OpenAI.ChatModel
	case "gemini":
		return cfg.Gemini.ChatModel
	default:
		return cfg.Ollama.ChatModel
	}
}

func embedModel(cfg config.Config) string {
	switch cfg.Embedding.Provider {
	case "openai":
		return cfg.OpenAI.EmbedModel
	case "gemini":
		return cfg.Gemini.EmbedModel
	default:
		return cfg.Ollama.EmbedModel
	}
}
