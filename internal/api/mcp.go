package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/retrieval"
)

// MCPEmbedder embeds free text for similarity search.
type MCPEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MCPSearcher queries the vector store. Every retrieval.VectorStore
// satisfies it.
type MCPSearcher interface {
	Query(ctx context.Context, collection string, vector []float32, topK int, f retrieval.Filter) ([]retrieval.SimilarityResult, error)
}

// MCPDeps holds dependencies for the MCP server. Cache is optional.
type MCPDeps struct {
	Processor StoryProcessor
	Embedder  MCPEmbedder
	Vectors   MCPSearcher
	Cache     CacheStatser
	Version   string
}

// NewMCPServer creates an MCP server with all storyqa tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"storyqa",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("storyqa generates QA test cases for user stories and searches past stories and test cases."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_test_cases",
			mcp.WithDescription("Generate test cases for a user story revision and publish them to the work tracker."),
			mcp.WithString("story_id", mcp.Description("Work item id of the story"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Project the story belongs to"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Story title"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Story description, HTML or plain text")),
			mcp.WithNumber("revision", mcp.Description("Story revision (default 0)")),
		),
		mcpGenerate(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar",
			mcp.WithDescription("Find stored stories and test cases similar to a piece of text."),
			mcp.WithString("text", mcp.Description("Text to search for"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Restrict results to one project")),
			mcp.WithString("collection", mcp.Description("stories, test_cases, or empty for both")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Report embedding cache hits, misses and size."),
		),
		mcpCacheStats(deps),
	)

	return s
}

func mcpGenerate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		storyID, err := req.RequireString("story_id")
		if err != nil {
			return mcpError("story_id is required"), nil
		}
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		ev := pipeline.Event{
			StoryID:     pipeline.StoryID(storyID),
			ProjectID:   projectID,
			Revision:    req.GetInt("revision", 0),
			Title:       title,
			Description: req.GetString("description", ""),
		}
		res, err := deps.Processor.Process(ctx, ev)
		if res == nil {
			return mcpError(fmt.Sprintf("processing failed: %v", err)), nil
		}

		b, merr := json.Marshal(res)
		if merr != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", merr)), nil
		}
		if res.Status == pipeline.StatusFailed {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 20 {
			limit = 20
		}

		var collections []string
		switch c := req.GetString("collection", ""); c {
		case "":
			collections = []string{retrieval.CollectionStories, retrieval.CollectionTestCases}
		case "stories":
			collections = []string{retrieval.CollectionStories}
		case "test_cases":
			collections = []string{retrieval.CollectionTestCases}
		default:
			return mcpError(fmt.Sprintf("unknown collection %q", c)), nil
		}

		vec, err := deps.Embedder.Embed(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding failed: %v", err)), nil
		}

		filter := retrieval.Filter{ProjectID: req.GetString("project_id", "")}
		var results []retrieval.SimilarityResult
		for _, c := range collections {
			hits, err := deps.Vectors.Query(ctx, c, vec, limit, filter)
			if err != nil {
				return mcpError(fmt.Sprintf("search failed: %v", err)), nil
			}
			results = append(results, hits...)
		}
		retrieval.SortResults(results)
		if len(results) > limit {
			results = results[:limit]
		}
		if results == nil {
			results = []retrieval.SimilarityResult{}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Cache == nil {
			return mcpError("embedding cache not available"), nil
		}
		b, err := json.Marshal(deps.Cache.Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
