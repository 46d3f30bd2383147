package protocol

import "encoding/json"

// Wire types for the sidecar protocol: one JSON object per line, UTF-8,
// newline-terminated, flowing over the engine's stdin/stdout.

// Version is the protocol version carried in the "v" field of every message.
const Version = 1

// Commands accepted by the engine.
const (
	CmdConnect = "connect"
	CmdQuery   = "query"
	CmdExecute = "execute"
	CmdTables  = "tables"
	CmdColumns = "columns"
	CmdClose   = "close"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents one command sent to the engine
type Request struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response represents the engine's answer to a single request id.
// Exactly one response is sent per id, ever.
type Response struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Details map[string]any  `json:"details,omitempty"`
}

// ConnectPayload sets the session's active database
type ConnectPayload struct {
	Path string `json:"path"`
}

// QueryPayload runs a read-only statement
type QueryPayload struct {
	SQL    string `json:"sql"`
	Path   string `json:"path,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
	Offset *int   `json:"offset,omitempty"`
}

// ExecutePayload runs a mutating statement
type ExecutePayload struct {
	SQL  string `json:"sql"`
	Path string `json:"path,omitempty"`
}

// TablesPayload lists user tables
type TablesPayload struct {
	Path string `json:"path,omitempty"`
}

// ColumnsPayload lists the columns of one table
type ColumnsPayload struct {
	Table string `json:"table"`
	Path  string `json:"path,omitempty"`
}

// ClosePayload tears down the worker for a database
type ClosePayload struct {
	Path string `json:"path,omitempty"`
}

// ColumnMeta describes one result column. Ordering is significant: the
// columns slice defines the canonical column order for every row.
type ColumnMeta struct {
	Name       string  `json:"name"`
	DeclType   *string `json:"decl_type,omitempty"`
	SqliteType *string `json:"sqlite_type,omitempty"`
}

// Row maps column name to a JSON-safe value.
type Row map[string]any

// Blob is the tagged JSON representation of a binary value. Size always
// matches the decoded length of Base64.
type Blob struct {
	Type   string `json:"$type"`
	Base64 string `json:"base64"`
	Size   int    `json:"size"`
}

// QueryResult is the bounded result of a read-only statement.
// len(Rows) never exceeds the effective limit; Truncated is true iff the
// underlying result had more rows than returned, and NextOffset then holds
// the offset of the first unread row.
type QueryResult struct {
	Columns    []ColumnMeta `json:"columns"`
	Rows       []Row        `json:"rows"`
	Truncated  bool         `json:"truncated"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

// ExecResult reports the effect of a mutating statement
type ExecResult struct {
	Changes         int64  `json:"changes"`
	LastInsertRowID *int64 `json:"last_insert_rowid,omitempty"`
}

// OKResponse builds an ok response carrying data for id.
func OKResponse(id string, data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, err
	}
	return Response{V: Version, ID: id, Status: StatusOK, Data: raw}, nil
}

// ErrorResponse builds an error response for id from any error, classifying
// unknown errors as INTERNAL.
func ErrorResponse(id string, err error) Response {
	ee := AsEngineError(err)
	return Response{
		V:       Version,
		ID:      id,
		Status:  StatusError,
		Error:   ee.Message,
		Code:    ee.Code,
		Details: ee.Details,
	}
}
