// Package mcp is the agent-facing adapter: it exposes the engine's
// operations as MCP tools, a table-preview resource, and a health prompt
// over stdio. Tool failures are returned in-band as error results so agents
// can read them; only protocol-level faults become JSON-RPC errors.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/zhubert/sqlite-sidecar/engine"
)

const (
	ServerName    = "sqlite-sidecar"
	ServerVersion = "1.0.0"
)

// NewServer builds the MCP server with all tools, the table resource, and
// the health prompt registered against eng.
func NewServer(eng *engine.Engine) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Query local SQLite databases. Use read_query for SELECTs, "+
			"write_query for mutations, get_schema for structure, and analyze_db_health "+
			"for an integrity report. Table previews are available as "+
			"sqlite://{absolute_path}/tables/{table} resources."),
	)

	registerTools(s, eng)
	registerResources(s, eng)
	registerPrompts(s)

	return s
}

// Serve runs the server over stdin/stdout until EOF.
func Serve(eng *engine.Engine) error {
	return server.ServeStdio(NewServer(eng))
}
