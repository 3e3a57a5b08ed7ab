package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/astrorag/internal/ingest"
	"github.com/kalambet/astrorag/internal/pipeline"
	"github.com/kalambet/astrorag/internal/retrieval"
	"github.com/kalambet/astrorag/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Answerer Answerer
	Searcher Searcher
	Version  string
}

// NewMCPServer creates an MCP server exposing the astrologer and the
// knowledge base as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"astrorag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("astrorag answers Vedic astrology questions in the Bhrigu Nandi Nadi system, grounded in an indexed reference library."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ask_astrologer",
			mcp.WithDescription("Answer an astrology question using kundli facts and the BNN knowledge base. Returns the structured JSON answer."),
			mcp.WithString("question", mcp.Description("The user's question"), mcp.Required()),
			mcp.WithString("kundli_facts", mcp.Description("Chart facts as text or JSON")),
			mcp.WithString("kundli_cache_key", mcp.Description("Key of previously stored kundli facts (dob|tob|pob)")),
			mcp.WithString("category", mcp.Description("love, finance, career, family, health or custom")),
			mcp.WithNumber("top_k", mcp.Description("Number of reference snippets to use (default 5)")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge_base",
			mcp.WithDescription("Semantically search the reference library and return the most relevant snippets."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("source", mcp.Description("Restrict results to one document URI")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Queue a local file path or http(s) URL for ingestion into the knowledge base."),
			mcp.WithString("path", mcp.Description("File path or URL of a PDF, HTML, Markdown or text document"), mcp.Required()),
		),
		mcpIngest(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"kb://documents",
			"Knowledge Base Documents",
			mcp.WithResourceDescription("Ingested documents with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kb://questions/recent",
			"Recent Questions",
			mcp.WithResourceDescription("Last 10 answered questions (short answers only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentQuestions(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		res, err := deps.Answerer.Answer(ctx, pipeline.Request{
			Question:       question,
			KundliFacts:    req.GetString("kundli_facts", ""),
			KundliCacheKey: req.GetString("kundli_cache_key", ""),
			Category:       req.GetString("category", ""),
			TopK:           req.GetInt("top_k", 0),
		})
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		b, err := json.Marshal(res.Answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultTopK)
		if limit <= 0 {
			limit = retrieval.DefaultTopK
		}
		if limit > maxSearchResults {
			limit = maxSearchResults
		}

		snippets := deps.Searcher.Retrieve(ctx, query, limit, req.GetString("source", ""))
		if len(snippets) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(snippets)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil || path == "" {
			return mcpError("path is required"), nil
		}

		jobID, err := ingest.Enqueue(deps.Store, path)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue ingestion: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued %s for ingestion (job %s)", path, jobID)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments("", 100)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = toDocumentView(d)
		}
		return jsonResource(req.Params.URI, views)
	}
}

func mcpResourceRecentQuestions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		qs, err := deps.Store.ListQuestions("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list questions: %w", err)
		}

		type questionSummary struct {
			ID          string `json:"id"`
			CreatedAt   string `json:"created_at"`
			Category    string `json:"category"`
			Question    string `json:"question"`
			ShortAnswer string `json:"short_answer"`
		}

		summaries := make([]questionSummary, len(qs))
		for i, q := range qs {
			var answer struct {
				ShortAnswer string `json:"shortAnswer"`
			}
			_ = json.Unmarshal([]byte(q.AnswerJSON), &answer)
			summaries[i] = questionSummary{
				ID:          q.ID,
				CreatedAt:   q.CreatedAt.Format(time.RFC3339),
				Category:    q.Category,
				Question:    truncate(q.Question, 200),
				ShortAnswer: answer.ShortAnswer,
			}
		}
		return jsonResource(req.Params.URI, summaries)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
