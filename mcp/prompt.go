package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func registerPrompts(s *server.MCPServer) {
	prompt := mcp.NewPrompt("analyze-db-health",
		mcp.WithPromptDescription("Run PRAGMA integrity_check and return a health report."),
	)

	s.AddPrompt(prompt, func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return mcp.NewGetPromptResult(
			"Analyze database health.",
			[]mcp.PromptMessage{
				mcp.NewPromptMessage(
					mcp.RoleUser,
					mcp.NewTextContent("Run PRAGMA integrity_check; list tables and column counts; summarize any issues."),
				),
			},
		), nil
	})
}
