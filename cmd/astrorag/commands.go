package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/kalambet/astrorag/internal/config"
	"github.com/kalambet/astrorag/internal/kundli"
	"github.com/kalambet/astrorag/internal/pipeline"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/source"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <path|url|glob>...",
	Short: "Ingest reference documents into the knowledge base",
	Long: `Ingest reference documents into the knowledge base.

By default documents are queued on the running server. With --local the
pipeline runs in this process and shows embedding progress.

Examples:
  astrorag ingest ./books/bnn.pdf
  astrorag ingest --local "./books/**/*.pdf"
  astrorag ingest --wait https://example.com/nadi-notes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")
		wait, _ := cmd.Flags().GetBool("wait")

		paths, err := expandPaths(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no documents match %s", strings.Join(args, " "))
		}

		if local {
			return ingestLocal(cmd.Context(), paths)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ingestRemote(cmd.Context(), client, paths, wait)
	},
}

func init() {
	ingestCmd.Flags().Bool("local", false, "run ingestion in this process instead of on the server")
	ingestCmd.Flags().Bool("wait", false, "wait for the server to finish each document")
}

// expandPaths resolves glob patterns among local paths. URLs and plain paths
// pass through unchanged.
func expandPaths(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		if source.IsRemote(arg) || !strings.ContainsAny(arg, "*?[{") {
			out = append(out, arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		out = append(out, matches...)
	}
	return out, nil
}

func ingestRemote(ctx context.Context, client *apiClient, paths []string, wait bool) error {
	failed := 0
	for _, p := range paths {
		if !source.IsRemote(p) {
			if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
		}

		endpoint := "/ingest"
		if wait {
			endpoint += "?wait=true"
		}

		var result struct {
			JobID       string `json:"jobId"`
			ID          string `json:"id"`
			Status      string `json:"status"`
			TotalChunks int    `json:"totalChunks"`
		}
		err := client.call(ctx, http.MethodPost, endpoint, map[string]string{"path": p}, &result)
		var se *serverError
		if errors.As(err, &se) {
			printError("%s: %s", p, se.Message)
			failed++
			continue
		}
		if err != nil {
			return err
		}
		if wait {
			printSuccess("Ingested %s as %s (%d chunks)", source.BaseName(p), result.ID, result.TotalChunks)
		} else {
			printSuccess("Queued %s (job %s)", source.BaseName(p), result.JobID)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(paths))
	}
	return nil
}

func ingestLocal(ctx context.Context, paths []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging("warn")

	progress := newIngestProgress(messages)
	a, err := newApp(ctx, cfg, appOptions{
		ensureModels: true,
		progress:     progress.update,
		out:          messages,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	failed := 0
	for _, p := range paths {
		name := source.BaseName(p)
		printStep("Ingesting %s", name)
		progress.start(name)

		doc, err := a.ingester.Ingest(ctx, p)
		if err != nil {
			printError("%s: %v", name, err)
			failed++
			continue
		}
		printSuccess("%s: %d chunks, ~%d tokens (id %s)", name, doc.TotalChunks, doc.TotalTokens, doc.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(paths))
	}
	return nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Ask an astrology question",
	Long: `Ask an astrology question. The answer is grounded in the ingested
reference library and, when given, the native's kundli facts.

Examples:
  astrorag ask "Will I change jobs next year?" --kundli-file ./chart.txt
  astrorag ask --category career --kundli-key 1990-01-15_10:30_delhi "When will I be promoted?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := askRequestFromFlags(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		local, _ := cmd.Flags().GetBool("local")
		asJSON, _ := cmd.Flags().GetBool("json")

		var res pipeline.Result
		if local {
			res, err = askLocal(cmd.Context(), req)
		} else {
			var client *apiClient
			client, err = newAPIClient()
			if err != nil {
				return err
			}
			res, err = askRemote(cmd.Context(), client, req)
		}
		if err != nil {
			return err
		}

		if asJSON {
			return writeIndented(cmd.OutOrStdout(), res)
		}
		printAnswer(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	askCmd.Flags().String("kundli-file", "", "file with kundli facts")
	askCmd.Flags().String("kundli-key", "", "cache key of stored kundli facts")
	askCmd.Flags().String("category", "", "question category ("+strings.Join(pipeline.Categories, ", ")+")")
	askCmd.Flags().Int("top-k", 0, "number of reference snippets to retrieve")
	askCmd.Flags().String("source", "", "only use snippets from this source URI")
	askCmd.Flags().Bool("local", false, "answer in this process instead of on the server")
	askCmd.Flags().Bool("json", false, "print the full result as JSON")
}

func askRequestFromFlags(cmd *cobra.Command, question string) (pipeline.Request, error) {
	kundliFile, _ := cmd.Flags().GetString("kundli-file")
	kundliKey, _ := cmd.Flags().GetString("kundli-key")
	category, _ := cmd.Flags().GetString("category")
	topK, _ := cmd.Flags().GetInt("top-k")
	src, _ := cmd.Flags().GetString("source")

	if !pipeline.ValidCategory(category) {
		return pipeline.Request{}, fmt.Errorf("unknown category %q (want one of %s)", category, strings.Join(pipeline.Categories, ", "))
	}

	req := pipeline.Request{
		Question:       question,
		KundliCacheKey: kundliKey,
		TopK:           topK,
		SourceFilter:   src,
		Category:       category,
	}
	if kundliFile != "" {
		data, err := os.ReadFile(kundliFile)
		if err != nil {
			return pipeline.Request{}, fmt.Errorf("reading kundli file: %w", err)
		}
		req.KundliFacts = string(data)
	}
	return req, nil
}

func askRemote(ctx context.Context, client *apiClient, req pipeline.Request) (pipeline.Result, error) {
	var res pipeline.Result
	if err := client.call(ctx, http.MethodPost, "/ask", req, &res); err != nil {
		return pipeline.Result{}, err
	}
	return res, nil
}

func askLocal(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	cfg, err := config.Load()
	if err != nil {
		return pipeline.Result{}, err
	}
	setupLogging("warn")

	a, err := newApp(ctx, cfg, appOptions{ensureModels: true, out: messages})
	if err != nil {
		return pipeline.Result{}, err
	}
	defer a.Close()

	return a.answers.Answer(ctx, req)
}

func printAnswer(w io.Writer, res pipeline.Result) {
	ans := res.Answer
	fmt.Fprintf(w, "%s\n\n", colorize(bold, ans.ShortAnswer))
	fmt.Fprintf(w, "%s %d%%\n", colorize(cyan, "Likelihood:"), ans.PercentScore)
	fmt.Fprintf(w, "%s prokerala %.2f, knowledge base %.2f, model %.2f\n\n",
		colorize(cyan, "Confidence:"),
		ans.ConfidenceBreakdown.Prokerala,
		ans.ConfidenceBreakdown.KnowledgeBase,
		ans.ConfidenceBreakdown.LLMConf)
	fmt.Fprintf(w, "%s\n", ans.Explanation)

	if len(ans.Sources) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(bold, "Sources:"))
		for _, s := range ans.Sources {
			fmt.Fprintf(w, "  [%s] %s\n", s.Source, shorten(s.Snippet, 120))
		}
	}
	if res.Fallback {
		fmt.Fprintln(w)
		printWarning("the model did not return a usable answer; showing the fallback response")
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search the knowledge base without calling the model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		src, _ := cmd.Flags().GetString("source")
		local, _ := cmd.Flags().GetBool("local")

		var snippets []retrieval.Snippet
		if local {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging("warn")
			a, err := newApp(cmd.Context(), cfg, appOptions{out: messages})
			if err != nil {
				return err
			}
			defer a.Close()
			snippets = a.retriever.Retrieve(cmd.Context(), query, limit, src)
		} else {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			snippets, err = searchRemote(cmd.Context(), client, query, limit, src)
			if err != nil {
				return err
			}
		}

		if len(snippets) == 0 {
			printWarning("no matching snippets")
			return nil
		}
		printSnippets(cmd.OutOrStdout(), snippets)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", retrieval.DefaultTopK, "maximum number of snippets")
	searchCmd.Flags().String("source", "", "only search this source URI")
	searchCmd.Flags().Bool("local", false, "search in this process instead of on the server")
}

func searchRemote(ctx context.Context, client *apiClient, query string, limit int, src string) ([]retrieval.Snippet, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("topK", strconv.Itoa(limit))
	if src != "" {
		params.Set("source", src)
	}

	var snippets []retrieval.Snippet
	if err := client.call(ctx, http.MethodGet, "/search?"+params.Encode(), nil, &snippets); err != nil {
		return nil, err
	}
	return snippets, nil
}

func printSnippets(w io.Writer, snippets []retrieval.Snippet) {
	for i, s := range snippets {
		loc := s.Source
		if s.Page > 0 {
			loc = fmt.Sprintf("%s p.%d", s.Source, s.Page)
		}
		fmt.Fprintf(w, "%d. %s %s\n", i+1, colorize(bold, loc), colorize(cyan, fmt.Sprintf("(%.3f)", s.Score)))
		fmt.Fprintf(w, "   %s\n\n", shorten(strings.Join(strings.Fields(s.Text), " "), 240))
	}
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("limit", strconv.Itoa(limit))
		if status != "" {
			params.Set("status", status)
		}

		var docs []struct {
			ID          string `json:"id"`
			FileName    string `json:"fileName"`
			Status      string `json:"status"`
			TotalChunks int    `json:"totalChunks"`
			Error       string `json:"error"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/documents?"+params.Encode(), nil, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
			return nil
		}

		w := cmd.OutOrStdout()
		for _, d := range docs {
			line := fmt.Sprintf("%-28s  %-10s  %4d chunks  %s", d.ID, d.Status, d.TotalChunks, d.FileName)
			if d.Error != "" {
				line += "  " + colorize(red, shorten(d.Error, 60))
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var doc any
		if err := client.call(cmd.Context(), http.MethodGet, "/documents/"+url.PathEscape(args[0]), nil, &doc); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), doc)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			VectorsRemoved int `json:"vectorsRemoved"`
		}
		if err := client.call(cmd.Context(), http.MethodDelete, "/documents/"+url.PathEscape(args[0]), nil, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s (%s)", args[0], countLabel(result.VectorsRemoved, "vector", "vectors"))
		return nil
	},
}

func init() {
	documentsListCmd.Flags().String("status", "", "filter by status (pending, completed, failed)")
	documentsListCmd.Flags().Int("limit", 100, "maximum number of documents")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- questions ---

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Review answered questions",
}

var questionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("limit", strconv.Itoa(limit))
		if category != "" {
			params.Set("category", category)
		}

		var qs []struct {
			ID         string `json:"id"`
			Category   string `json:"category"`
			Question   string `json:"question"`
			Fallback   bool   `json:"fallback"`
			Verified   bool   `json:"verified"`
			IsAccurate *bool  `json:"isAccurate"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/questions?"+params.Encode(), nil, &qs); err != nil {
			return err
		}

		if len(qs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No questions found.")
			return nil
		}

		w := cmd.OutOrStdout()
		for _, q := range qs {
			mark := " "
			switch {
			case q.IsAccurate != nil && *q.IsAccurate:
				mark = colorize(green, "✓")
			case q.IsAccurate != nil:
				mark = colorize(red, "✗")
			case q.Fallback:
				mark = colorize(yellow, "!")
			}
			fmt.Fprintf(w, "%s %s  %-8s  %s\n", mark, q.ID, q.Category, shorten(q.Question, 80))
		}
		return nil
	},
}

var questionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one question with its answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var q any
		if err := client.call(cmd.Context(), http.MethodGet, "/questions/"+url.PathEscape(args[0]), nil, &q); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), q)
	},
}

var questionsVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Record whether a prediction came true",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accurate, _ := cmd.Flags().GetBool("accurate")
		inaccurate, _ := cmd.Flags().GetBool("inaccurate")
		if accurate == inaccurate {
			return fmt.Errorf("exactly one of --accurate or --inaccurate is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return verifyQuestion(cmd.Context(), client, args[0], accurate)
	},
}

func verifyQuestion(ctx context.Context, client *apiClient, id string, accurate bool) error {
	var result map[string]string
	if err := client.call(ctx, http.MethodPost, "/questions/"+url.PathEscape(id)+"/verify", map[string]bool{"accurate": accurate}, &result); err != nil {
		return err
	}
	verdict := "inaccurate"
	if accurate {
		verdict = "accurate"
	}
	printSuccess("Marked %s as %s", id, verdict)
	return nil
}

func init() {
	questionsListCmd.Flags().String("category", "", "filter by category")
	questionsListCmd.Flags().Int("limit", 20, "maximum number of questions")
	questionsVerifyCmd.Flags().Bool("accurate", false, "the prediction came true")
	questionsVerifyCmd.Flags().Bool("inaccurate", false, "the prediction did not come true")
	questionsCmd.AddCommand(questionsListCmd)
	questionsCmd.AddCommand(questionsShowCmd)
	questionsCmd.AddCommand(questionsVerifyCmd)
}

// --- kundli ---

var kundliCmd = &cobra.Command{
	Use:   "kundli",
	Short: "Store and look up kundli facts",
}

var kundliSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store kundli facts under a cache key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		facts, _ := cmd.Flags().GetString("facts")
		file, _ := cmd.Flags().GetString("file")
		if (facts == "") == (file == "") {
			return fmt.Errorf("exactly one of --facts or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading kundli file: %w", err)
			}
			facts = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]string
		if err := client.call(cmd.Context(), http.MethodPut, "/kundli/"+url.PathEscape(args[0]), map[string]string{"facts": facts}, &result); err != nil {
			return err
		}
		printSuccess("Stored kundli under %s", args[0])
		return nil
	},
}

var kundliGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the kundli facts stored under a cache key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			Facts string `json:"facts"`
		}
		err = client.call(cmd.Context(), http.MethodGet, "/kundli/"+url.PathEscape(args[0]), nil, &result)
		if isNotFound(err) {
			return fmt.Errorf("no kundli facts stored under %s", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Facts)
		return nil
	},
}

var kundliKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Print the cache key for a birth date, time and place",
	RunE: func(cmd *cobra.Command, args []string) error {
		dob, _ := cmd.Flags().GetString("dob")
		tob, _ := cmd.Flags().GetString("tob")
		pob, _ := cmd.Flags().GetString("pob")
		if dob == "" || tob == "" || pob == "" {
			return fmt.Errorf("--dob, --tob and --pob are required")
		}
		fmt.Fprintln(cmd.OutOrStdout(), kundli.CacheKey(dob, tob, pob))
		return nil
	},
}

func init() {
	kundliSetCmd.Flags().String("facts", "", "kundli facts text")
	kundliSetCmd.Flags().String("file", "", "file with kundli facts")
	kundliKeyCmd.Flags().String("dob", "", "date of birth, e.g. 1990-01-15")
	kundliKeyCmd.Flags().String("tob", "", "time of birth, e.g. 10:30")
	kundliKeyCmd.Flags().String("pob", "", "place of birth")
	kundliCmd.AddCommand(kundliSetCmd)
	kundliCmd.AddCommand(kundliGetCmd)
	kundliCmd.AddCommand(kundliKeyCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show all configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printConfig(cmd.OutOrStdout(), config.ShowAll(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. API keys and the server token are stored in
the platform keychain or secrets file rather than the config file.

Valid keys:
  ` + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func printConfig(w io.Writer, keys []config.KeyInfo) {
	for _, k := range keys {
		fmt.Fprintf(w, "%-28s %-30s %s\n", k.Key, k.Value, colorize(cyan, k.EnvVar))
	}
}

func countLabel(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
