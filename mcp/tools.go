package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zhubert/sqlite-sidecar/engine"
	"github.com/zhubert/sqlite-sidecar/paths"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// integrityCheckRows caps the PRAGMA integrity_check output in health
// reports; past the first 50 problems more rows add nothing.
const integrityCheckRows = 50

type readQueryArgs struct {
	DBPath string `json:"db_path"`
	SQL    string `json:"sql"`
	Limit  *int   `json:"limit,omitempty"`
	Offset *int   `json:"offset,omitempty"`
}

type writeQueryArgs struct {
	DBPath string `json:"db_path"`
	SQL    string `json:"sql"`
}

type dbPathArgs struct {
	DBPath string `json:"db_path"`
}

// tableSchema is one table entry in a get_schema result.
type tableSchema struct {
	Name    string                `json:"name"`
	Columns []protocol.ColumnMeta `json:"columns"`
}

type schemaResult struct {
	Tables []tableSchema `json:"tables"`
}

// tableHealth is one table entry in an analyze_db_health report.
type tableHealth struct {
	Name        string                `json:"name"`
	ColumnCount int                   `json:"column_count"`
	Columns     []protocol.ColumnMeta `json:"columns"`
}

type healthReport struct {
	DBPath         string                `json:"db_path"`
	FileSizeBytes  *int64                `json:"file_size_bytes"`
	IntegrityCheck *protocol.QueryResult `json:"integrity_check"`
	Schema         struct {
		Tables []tableHealth `json:"tables"`
	} `json:"schema"`
}

func registerTools(s *server.MCPServer, eng *engine.Engine) {
	readQuery := mcp.NewTool("read_query",
		mcp.WithDescription("Run a read-only SQL query against a SQLite database and return bounded rows."),
		mcp.WithString("db_path", mcp.Required(), mcp.Description("Absolute path to the SQLite database file")),
		mcp.WithString("sql", mcp.Required(), mcp.Description("A single read-only SQL statement")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return")),
		mcp.WithNumber("offset", mcp.Description("Row offset for paging")),
	)
	s.AddTool(readQuery, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args readQueryArgs
		if err := bindArguments(request, &args); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		qr, err := eng.Query(ctx, args.DBPath, args.SQL, args.Limit, args.Offset)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(qr)
	})

	writeQuery := mcp.NewTool("write_query",
		mcp.WithDescription("Run a mutating SQL statement and return the affected-row count and last insert rowid."),
		mcp.WithString("db_path", mcp.Required(), mcp.Description("Absolute path to the SQLite database file")),
		mcp.WithString("sql", mcp.Required(), mcp.Description("A single SQL statement")),
	)
	s.AddTool(writeQuery, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args writeQueryArgs
		if err := bindArguments(request, &args); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		er, err := eng.Execute(ctx, args.DBPath, args.SQL)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(er)
	})

	getSchema := mcp.NewTool("get_schema",
		mcp.WithDescription("List every user table with its column metadata."),
		mcp.WithString("db_path", mcp.Required(), mcp.Description("Absolute path to the SQLite database file")),
	)
	s.AddTool(getSchema, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args dbPathArgs
		if err := bindArguments(request, &args); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		schema, err := collectSchema(ctx, eng, args.DBPath)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(schema)
	})

	analyze := mcp.NewTool("analyze_db_health",
		mcp.WithDescription("Run PRAGMA integrity_check and return a health report."),
		mcp.WithString("db_path", mcp.Required(), mcp.Description("Absolute path to the SQLite database file")),
	)
	s.AddTool(analyze, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args dbPathArgs
		if err := bindArguments(request, &args); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		report, err := analyzeHealth(ctx, eng, args.DBPath)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(report)
	})
}

// collectSchema builds the get_schema shape from the engine primitives.
func collectSchema(ctx context.Context, eng *engine.Engine, dbPath string) (*schemaResult, error) {
	tables, err := eng.Tables(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	out := &schemaResult{Tables: []tableSchema{}}
	for _, name := range tables {
		cols, err := eng.Columns(ctx, dbPath, name)
		if err != nil {
			return nil, err
		}
		out.Tables = append(out.Tables, tableSchema{Name: name, Columns: cols})
	}
	return out, nil
}

// analyzeHealth composes the integrity check, file size, and schema summary.
func analyzeHealth(ctx context.Context, eng *engine.Engine, dbPath string) (*healthReport, error) {
	limit := integrityCheckRows
	integrity, err := eng.Query(ctx, dbPath, "PRAGMA integrity_check", &limit, nil)
	if err != nil {
		return nil, err
	}

	report := &healthReport{IntegrityCheck: integrity}

	norm, err := paths.Normalize(dbPath)
	if err != nil {
		return nil, protocol.ErrInvalidRequest("bad database path: %v", err)
	}
	report.DBPath = norm
	if info, err := os.Stat(norm); err == nil {
		size := info.Size()
		report.FileSizeBytes = &size
	}

	tables, err := eng.Tables(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	report.Schema.Tables = []tableHealth{}
	for _, name := range tables {
		cols, err := eng.Columns(ctx, dbPath, name)
		if err != nil {
			return nil, err
		}
		report.Schema.Tables = append(report.Schema.Tables, tableHealth{
			Name:        name,
			ColumnCount: len(cols),
			Columns:     cols,
		})
	}
	return report, nil
}

// bindArguments decodes tool arguments into a typed struct.
func bindArguments(request mcp.CallToolRequest, into any) error {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

// toolError renders an engine fault as an in-band error result the agent
// can read, keeping the stable code in front of the message.
func toolError(err error) *mcp.CallToolResult {
	ee := protocol.AsEngineError(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", ee.Code, ee.Message))
}

// toolJSON renders a result as pretty-printed JSON text content.
func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: failed to encode result: %v", protocol.CodeInternal, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
