package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/pipeline"
	"github.com/kalambet/memoir/internal/retrieval"
)

// Finder runs retrieval without synthesis.
type Finder interface {
	Retrieve(ctx context.Context, username, query string) (retrieval.Result, error)
}

// MCPDeps holds dependencies for the MCP server. Username is the journal
// every tool acts on; an MCP client is a single local user.
type MCPDeps struct {
	Journal  Journal
	Asker    pipeline.Asker
	Finder   Finder
	Keywords KeywordExtractor
	History  HistoryReader
	Username string
}

// NewMCPServer creates an MCP server with all memoir tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"memoir",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("memoir: a personal journal. Add entries and ask questions answered only from them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Write a new journal entry."),
			mcp.WithString("text", mcp.Description("The entry text"), mcp.Required()),
			mcp.WithString("date", mcp.Description("Entry date, RFC 3339 or YYYY-MM-DD (default now)")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpAddEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_journal",
			mcp.WithDescription("Answer a question using only the user's journal entries."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
		),
		mcpAskJournal(deps),
	)

	s.AddTool(
		mcp.NewTool("find_entries",
			mcp.WithDescription("Return the journal entries most relevant to a query, without answering it."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpFindEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_keywords",
			mcp.WithDescription("Extract singular search keywords from a question."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
		),
		mcpExtractKeywords(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"journal://recent",
			"Recent Questions",
			mcp.WithResourceDescription("Last 10 questions asked of the journal"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		in := journal.NewEntry{Text: text, Tags: req.GetStringSlice("tags", nil)}
		if ds := req.GetString("date", ""); ds != "" {
			d, err := ParseDate(ds)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			in.Date = d
		}

		e, err := deps.Journal.Create(ctx, deps.Username, in)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save entry: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored entry %s", e.ID)), nil
	}
}

func mcpAskJournal(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		resp, err := deps.Asker.Ask(ctx, deps.Username, query)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		type askResult struct {
			Answer  string   `json:"answer"`
			Found   bool     `json:"found"`
			Entries []string `json:"entry_ids"`
		}
		out := askResult{Answer: resp.Answer, Found: resp.Found, Entries: []string{}}
		for _, e := range resp.Entries {
			out.Entries = append(out.Entries, e.ID)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		res, err := deps.Finder.Retrieve(ctx, deps.Username, query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if res.Empty() {
			return mcpText("[]"), nil
		}

		type entryResult struct {
			ID    string  `json:"id"`
			Date  string  `json:"date"`
			Text  string  `json:"text"`
			Score float64 `json:"score"`
			Tags  string  `json:"tags,omitempty"`
		}

		cands := res.Candidates
		if len(cands) > limit {
			cands = cands[:limit]
		}
		results := make([]entryResult, len(cands))
		for i, c := range cands {
			results[i] = entryResult{
				ID:    c.Entry.ID,
				Date:  c.Entry.Date.Format(time.DateOnly),
				Text:  c.Entry.Text,
				Score: c.Score,
				Tags:  c.Entry.Tags,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpExtractKeywords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		kw, err := deps.Keywords.ExtractKeywords(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("keyword extraction failed: %v", err)), nil
		}
		return mcpText(kw), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.History.RecentQueries(ctx, deps.Username, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent queries: %w", err)
		}

		type querySummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Query     string `json:"query"`
			Answer    string `json:"answer"`
			State     string `json:"state"`
		}

		summaries := make([]querySummary, len(records))
		for i, q := range records {
			summaries[i] = querySummary{
				ID:        q.ID,
				CreatedAt: q.CreatedAt.Format(time.RFC3339),
				Query:     truncate(q.Query, 200),
				Answer:    truncate(q.Answer, 200),
				State:     q.State,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
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
