package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zhubert/sqlite-sidecar/engine"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// uriScheme prefixes every table-preview resource URI:
// sqlite://{absolute_path}/tables/{table}.
const uriScheme = "sqlite://"

func registerResources(s *server.MCPServer, eng *engine.Engine) {
	template := mcp.NewResourceTemplate(
		"sqlite://{+path}/tables/{table}",
		"SQLite table preview",
		mcp.WithTemplateDescription("A bounded preview of one table's rows as JSON"),
		mcp.WithTemplateMIMEType("application/json"),
	)

	s.AddResourceTemplate(template, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbPath, table, err := parseTableURI(request.Params.URI)
		if err != nil {
			return nil, err
		}

		qr, err := eng.Preview(ctx, dbPath, table)
		if err != nil {
			ee := protocol.AsEngineError(err)
			return nil, fmt.Errorf("%s: %s", ee.Code, ee.Message)
		}

		text, err := json.MarshalIndent(qr, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode preview: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(text),
			},
		}, nil
	})
}

// parseTableURI splits sqlite://{absolute_path}/tables/{table} into its
// database path and table reference.
func parseTableURI(uri string) (dbPath, table string, err error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return "", "", fmt.Errorf("resource uri must start with %s", uriScheme)
	}

	parts := strings.Split(rest, "/tables/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("resource uri must be %s{absolute_path}/tables/{table}", uriScheme)
	}
	return parts[0], parts[1], nil
}
