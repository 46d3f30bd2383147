package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zhubert/sqlite-sidecar/exec"
	"github.com/zhubert/sqlite-sidecar/logger"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// DefaultRequestTimeout bounds how long a caller waits for one response.
const DefaultRequestTimeout = 30 * time.Second

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	Command string   // engine binary, defaults to "sqlite-sidecar"
	Args    []string // engine arguments
	Dir     string   // working directory for the child

	// Timeout is the per-request deadline.
	Timeout time.Duration

	// Starter launches the child; tests inject a mock executor here.
	Starter exec.ProcessStarter
}

// Client is the typed host-side API over the sidecar protocol. It lazily
// spawns the engine on first use and transparently reattaches after a
// supervised restart. Safe for concurrent use.
type Client struct {
	mux *Multiplexer
	sup *Supervisor
	log *slog.Logger
}

// New creates a client. Nothing is spawned until the first call.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	c := &Client{
		mux: NewMultiplexer(cfg.Timeout),
		log: logger.WithComponent("client"),
	}
	c.sup = NewSupervisor(SupervisorConfig{
		Command:   cfg.Command,
		Args:      cfg.Args,
		Dir:       cfg.Dir,
		Starter:   cfg.Starter,
		OnStarted: c.attach,
		OnExited: func(err error) {
			c.mux.FailAllPending(err)
		},
	})
	return c
}

// Supervisor exposes the child lifecycle for callers that need explicit
// control (manual restart after an exhausted crash budget).
func (c *Client) Supervisor() *Supervisor {
	return c.sup
}

// Connect opens path on the engine and makes it the session's active
// database for subsequent path-omitting calls.
func (c *Client) Connect(ctx context.Context, path string) error {
	return c.call(ctx, protocol.CmdConnect, protocol.ConnectPayload{Path: path}, nil)
}

// Query runs a read-only statement. Mutating statements are rejected
// with NOT_READONLY before execution.
func (c *Client) Query(ctx context.Context, path, sql string, limit, offset *int) (*protocol.QueryResult, error) {
	var out protocol.QueryResult
	err := c.call(ctx, protocol.CmdQuery, protocol.QueryPayload{
		SQL:    sql,
		Path:   path,
		Limit:  limit,
		Offset: offset,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs a mutating statement and reports affected rows.
func (c *Client) Execute(ctx context.Context, path, sql string) (*protocol.ExecResult, error) {
	var out protocol.ExecResult
	err := c.call(ctx, protocol.CmdExecute, protocol.ExecutePayload{SQL: sql, Path: path}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Tables lists user tables in name order.
func (c *Client) Tables(ctx context.Context, path string) ([]string, error) {
	var out []string
	if err := c.call(ctx, protocol.CmdTables, protocol.TablesPayload{Path: path}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Columns lists one table's column metadata in declaration order.
func (c *Client) Columns(ctx context.Context, path, table string) ([]protocol.ColumnMeta, error) {
	var out []protocol.ColumnMeta
	if err := c.call(ctx, protocol.CmdColumns, protocol.ColumnsPayload{Table: table, Path: path}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CloseDatabase tears down the engine-side worker for path. The next
// access recreates it.
func (c *Client) CloseDatabase(ctx context.Context, path string) error {
	return c.call(ctx, protocol.CmdClose, protocol.ClosePayload{Path: path}, nil)
}

// Shutdown stops the child engine and suppresses restarts.
func (c *Client) Shutdown() {
	c.sup.Stop()
}

// call ensures the engine is up, sends one request, and decodes the
// response data into out (skipped when out is nil).
func (c *Client) call(ctx context.Context, cmd string, payload, out any) error {
	if _, err := c.sup.EnsureRunning(ctx); err != nil {
		return err
	}
	data, err := c.mux.Send(ctx, cmd, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return protocol.ErrInternal("undecodable response data for %s: %v", cmd, err)
	}
	return nil
}

// attach rewires the multiplexer to a freshly spawned child and starts
// its response reader.
func (c *Client) attach(h exec.ProcessHandle) {
	c.mux.SetTransport(h.Stdin())
	go c.readLoop(h)
}

// readLoop frames the child's stdout into lines and dispatches each
// response. It exits when the pipe closes; the supervisor handles the
// process exit itself.
func (c *Client) readLoop(h exec.ProcessHandle) {
	framer := protocol.NewFramer(c.log)
	buf := make([]byte, 32*1024)
	for {
		n, err := h.Stdout().Read(buf)
		if n > 0 {
			for _, line := range framer.Push(buf[:n]) {
				var resp protocol.Response
				if err := json.Unmarshal(line, &resp); err != nil {
					c.log.Warn("dropping undecodable response line", "error", err)
					continue
				}
				c.mux.Dispatch(&resp)
			}
		}
		if err != nil {
			return
		}
	}
}
