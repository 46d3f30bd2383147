// Package bridge is the editor-facing adapter: it reads newline-delimited
// JSON requests from a byte stream, dispatches them to the engine, and
// writes exactly one response per request id. Requests against different
// databases run concurrently; the per-database worker provides the
// serialization.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhubert/sqlite-sidecar/engine"
	"github.com/zhubert/sqlite-sidecar/logger"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// Server serves one editor session over a request/response byte stream.
type Server struct {
	reader *bufio.Reader
	writer io.Writer
	engine *engine.Engine
	log    *slog.Logger

	// writeMu guards the response stream: one line per response, never
	// interleaved.
	writeMu sync.Mutex

	// sessMu guards the session's active database, set by connect and used
	// by path-omitting commands.
	sessMu   sync.Mutex
	activeDB string

	wg sync.WaitGroup
}

// NewServer creates a bridge server reading requests from r and writing
// responses to w.
func NewServer(r io.Reader, w io.Writer, eng *engine.Engine) *Server {
	return &Server{
		reader: bufio.NewReader(r),
		writer: w,
		engine: eng,
		log:    logger.WithComponent("bridge"),
	}
}

// Run reads requests until EOF. Each request is handled on its own
// goroutine so unrelated databases proceed in parallel. Malformed lines are
// logged and skipped; they never terminate the stream and never produce a
// response.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("bridge serving")

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			s.log.Info("EOF received, shutting down")
			break
		}
		if err != nil {
			s.log.Error("read error", "error", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.log.Warn("discarding unparseable request line", "error", err)
			continue
		}
		if req.ID == "" {
			s.log.Warn("discarding request without id")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.send(s.handle(ctx, &req))
		}()
	}

	s.wg.Wait()
	return nil
}

// handle dispatches one request and always produces a response: every
// caller-triggered fault becomes a structured error, never a dropped
// request or a dead process.
func (s *Server) handle(ctx context.Context, req *protocol.Request) protocol.Response {
	if req.V != protocol.Version {
		return protocol.ErrorResponse(req.ID,
			protocol.ErrInvalidRequest("unsupported protocol version: %d", req.V))
	}

	var (
		data any
		err  error
	)
	switch req.Cmd {
	case protocol.CmdConnect:
		data, err = s.handleConnect(ctx, req.Payload)
	case protocol.CmdQuery:
		data, err = s.handleQuery(ctx, req.Payload)
	case protocol.CmdExecute:
		data, err = s.handleExecute(ctx, req.Payload)
	case protocol.CmdTables:
		data, err = s.handleTables(ctx, req.Payload)
	case protocol.CmdColumns:
		data, err = s.handleColumns(ctx, req.Payload)
	case protocol.CmdClose:
		data, err = s.handleClose(req.Payload)
	default:
		err = protocol.ErrInvalidRequest("unknown cmd: %s", req.Cmd)
	}
	if err != nil {
		return protocol.ErrorResponse(req.ID, err)
	}

	resp, merr := protocol.OKResponse(req.ID, data)
	if merr != nil {
		return protocol.ErrorResponse(req.ID, protocol.ErrInternal("failed to encode result: %v", merr))
	}
	return resp
}

func (s *Server) handleConnect(ctx context.Context, payload json.RawMessage) (any, error) {
	var p protocol.ConnectPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, protocol.ErrInvalidRequest("connect requires a path")
	}
	if err := s.engine.Connect(ctx, p.Path); err != nil {
		return nil, err
	}

	s.sessMu.Lock()
	s.activeDB = p.Path
	s.sessMu.Unlock()
	return true, nil
}

func (s *Server) handleQuery(ctx context.Context, payload json.RawMessage) (any, error) {
	var p protocol.QueryPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.SQL == "" {
		return nil, protocol.ErrInvalidRequest("query requires sql")
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	return s.engine.Query(ctx, path, p.SQL, p.Limit, p.Offset)
}

func (s *Server) handleExecute(ctx context.Context, payload json.RawMessage) (any, error) {
	var p protocol.ExecutePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.SQL == "" {
		return nil, protocol.ErrInvalidRequest("execute requires sql")
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, path, p.SQL)
}

func (s *Server) handleTables(ctx context.Context, payload json.RawMessage) (any, error) {
	var p protocol.TablesPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	return s.engine.Tables(ctx, path)
}

func (s *Server) handleColumns(ctx context.Context, payload json.RawMessage) (any, error) {
	var p protocol.ColumnsPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Table == "" {
		return nil, protocol.ErrInvalidRequest("columns requires a table")
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	return s.engine.Columns(ctx, path, p.Table)
}

func (s *Server) handleClose(payload json.RawMessage) (any, error) {
	var p protocol.ClosePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Close(path); err != nil {
		return nil, err
	}
	return true, nil
}

// resolvePath returns the explicit path or falls back to the session's
// active database. No prior connect is a caller error.
func (s *Server) resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.activeDB == "" {
		return "", protocol.ErrInvalidRequest("no database path given and no prior connect")
	}
	return s.activeDB, nil
}

// send writes one response line. A response that cannot be marshaled is a
// bug, not a caller fault; it is logged and the request is answered with a
// bare INTERNAL error so the id still resolves.
func (s *Server) send(resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "id", resp.ID, "error", err)
		fallback := protocol.ErrorResponse(resp.ID, protocol.ErrInternal("response encoding failed"))
		data, err = json.Marshal(fallback)
		if err != nil {
			return
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	fmt.Fprintf(s.writer, "%s\n", data)
}

// decodePayload unmarshals a request payload, mapping malformed shapes to
// INVALID_REQUEST at the boundary instead of letting them propagate deeper.
func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		// Payload-less commands decode the zero value.
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return protocol.ErrInvalidRequest("bad payload: %v", err)
	}
	return nil
}
