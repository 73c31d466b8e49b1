package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/callpipe/callpipe/internal/storage"
)

// MCPDeps holds dependencies for the MCP admin server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer exposes job administration over MCP so operator agents can
// inspect and nudge the pipeline without shell access to the admin REST API.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"callpipe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("callpipe — call recording acquisition and enrichment pipeline. Tools inspect and retry enrichment jobs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List enrichment jobs, optionally filtered by state (pending, claimed, running, succeeded, retry_scheduled, failed)."),
			mcp.WithString("status", mcp.Description("Job state to filter by; empty for all")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		mcpListJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_job",
			mcp.WithDescription("Reset a failed or retry_scheduled job to pending for another attempt."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpRetryJob(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Reset every failed job to pending."),
		),
		mcpRetryFailed(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"callpipe://stats",
			"Pipeline Stats",
			mcp.WithResourceDescription("Job counts per state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		jobs, err := deps.Store.ListJobs(status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing jobs failed: %v", err)), nil
		}
		if len(jobs) == 0 {
			return mcpText("[]"), nil
		}

		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = toJobView(j)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal jobs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		err = deps.Store.RetryJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found or not in a retryable state", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Job %s reset to pending", id)), nil
	}
}

func mcpRetryFailed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Store.RetryJobs([]string{storage.JobFailed})
		if err != nil {
			return mcpError(fmt.Sprintf("bulk retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Reset %d failed jobs to pending", n)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.CountJobs()
		if err != nil {
			return nil, fmt.Errorf("counting jobs: %w", err)
		}

		b, err := json.Marshal(map[string]int{
			"pending":         counts.Pending,
			"claimed":         counts.Claimed,
			"running":         counts.Running,
			"succeeded":       counts.Succeeded,
			"retry_scheduled": counts.RetryScheduled,
			"failed":          counts.Failed,
		})
		if err != nil {
			return nil, fmt.Errorf("marshaling stats: %w", err)
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
