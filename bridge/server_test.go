package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhubert/sqlite-sidecar/config"
	"github.com/zhubert/sqlite-sidecar/engine"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// testSession runs a Server over in-memory pipes and gives tests a
// request/response API keyed by id.
type testSession struct {
	t       *testing.T
	in      io.WriteCloser
	scanner *bufio.Scanner
	done    chan error
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	eng := engine.New(config.Default())
	t.Cleanup(eng.CloseAll)

	srv := NewServer(inR, outW, eng)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(context.Background())
		outW.Close()
	}()

	s := &testSession{t: t, in: inW, scanner: bufio.NewScanner(outR), done: done}
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return s
}

func (s *testSession) sendRaw(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		s.t.Fatalf("write request: %v", err)
	}
}

func (s *testSession) send(id, cmd string, payload any) {
	s.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		s.t.Fatal(err)
	}
	req := protocol.Request{V: protocol.Version, ID: id, Cmd: cmd, Payload: raw}
	data, err := json.Marshal(req)
	if err != nil {
		s.t.Fatal(err)
	}
	s.sendRaw(string(data))
}

func (s *testSession) recv() protocol.Response {
	s.t.Helper()
	if !s.scanner.Scan() {
		s.t.Fatalf("no response line: %v", s.scanner.Err())
	}
	var resp protocol.Response
	if err := json.Unmarshal(s.scanner.Bytes(), &resp); err != nil {
		s.t.Fatalf("bad response line %q: %v", s.scanner.Text(), err)
	}
	return resp
}

// call sends one request and waits for its matching response.
func (s *testSession) call(id, cmd string, payload any) protocol.Response {
	s.t.Helper()
	s.send(id, cmd, payload)
	resp := s.recv()
	if resp.ID != id {
		s.t.Fatalf("response id = %q, want %q", resp.ID, id)
	}
	return resp
}

func (s *testSession) mustOK(id, cmd string, payload any) protocol.Response {
	s.t.Helper()
	resp := s.call(id, cmd, payload)
	if resp.Status != protocol.StatusOK {
		s.t.Fatalf("%s: status = %s, error = %s (%s)", cmd, resp.Status, resp.Error, resp.Code)
	}
	return resp
}

func TestConnectQueryExecuteFlow(t *testing.T) {
	s := newTestSession(t)
	db := filepath.Join(t.TempDir(), "flow.db")

	resp := s.mustOK("1", "connect", protocol.ConnectPayload{Path: db})
	var ok bool
	if err := json.Unmarshal(resp.Data, &ok); err != nil || !ok {
		t.Fatalf("connect data = %s, want true", resp.Data)
	}

	// Path omitted: the session's active database is used.
	s.mustOK("2", "execute", protocol.ExecutePayload{SQL: "CREATE TABLE t (x INTEGER, name TEXT)"})
	s.mustOK("3", "execute", protocol.ExecutePayload{SQL: "INSERT INTO t VALUES (7, 'seven')"})

	resp = s.mustOK("4", "query", protocol.QueryPayload{SQL: "SELECT * FROM t"})
	var qr protocol.QueryResult
	if err := json.Unmarshal(resp.Data, &qr); err != nil {
		t.Fatalf("query data: %v", err)
	}
	if len(qr.Rows) != 1 || qr.Rows[0]["name"] != "seven" {
		t.Errorf("query rows = %v", qr.Rows)
	}
	if len(qr.Columns) != 2 || qr.Columns[0].Name != "x" {
		t.Errorf("query columns = %v", qr.Columns)
	}

	resp = s.mustOK("5", "tables", protocol.TablesPayload{})
	var tables []string
	if err := json.Unmarshal(resp.Data, &tables); err != nil || len(tables) != 1 || tables[0] != "t" {
		t.Errorf("tables = %s", resp.Data)
	}

	resp = s.mustOK("6", "columns", protocol.ColumnsPayload{Table: "t"})
	var cols []protocol.ColumnMeta
	if err := json.Unmarshal(resp.Data, &cols); err != nil || len(cols) != 2 {
		t.Errorf("columns = %s", resp.Data)
	}

	s.mustOK("7", "close", protocol.ClosePayload{})
}

func TestQueryWithoutConnect(t *testing.T) {
	s := newTestSession(t)

	resp := s.call("1", "query", protocol.QueryPayload{SQL: "SELECT 1"})
	if resp.Status != protocol.StatusError || resp.Code != protocol.CodeInvalidRequest {
		t.Errorf("status=%s code=%s, want error/INVALID_REQUEST", resp.Status, resp.Code)
	}
}

func TestDispatchErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "e.db")

	tests := []struct {
		name     string
		cmd      string
		payload  any
		wantCode string
	}{
		{"unknown cmd", "destroy", map[string]any{}, protocol.CodeInvalidRequest},
		{"connect without path", "connect", map[string]any{}, protocol.CodeInvalidRequest},
		{"query without sql", "query", protocol.QueryPayload{Path: db}, protocol.CodeInvalidRequest},
		{"execute without sql", "execute", protocol.ExecutePayload{Path: db}, protocol.CodeInvalidRequest},
		{"columns without table", "columns", protocol.ColumnsPayload{Path: db}, protocol.CodeInvalidRequest},
		{"bad sql", "query", protocol.QueryPayload{Path: db, SQL: "SELEC"}, protocol.CodeSQLError},
		{"mutating query", "query", protocol.QueryPayload{Path: db, SQL: "CREATE TABLE t (x)"}, protocol.CodeNotReadonly},
	}

	s := newTestSession(t)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.call(fmt.Sprint(i), tt.cmd, tt.payload)
			if resp.Status != protocol.StatusError {
				t.Fatalf("status = %s, want error", resp.Status)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s (error: %s)", resp.Code, tt.wantCode, resp.Error)
			}
			if resp.Error == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestUnsupportedVersion(t *testing.T) {
	s := newTestSession(t)
	s.sendRaw(`{"v":2,"id":"x","cmd":"tables","payload":{}}`)
	resp := s.recv()
	if resp.Code != protocol.CodeInvalidRequest {
		t.Errorf("code = %s, want INVALID_REQUEST", resp.Code)
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	s := newTestSession(t)
	db := filepath.Join(t.TempDir(), "skip.db")

	// Garbage and empty lines produce no response and do not kill the stream.
	s.sendRaw("this is not json")
	s.sendRaw("")
	s.sendRaw(`{"v":1,"cmd":"tables"}`) // no id

	s.mustOK("1", "connect", protocol.ConnectPayload{Path: db})
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	s := newTestSession(t)
	db := filepath.Join(t.TempDir(), "c.db")

	s.mustOK("setup", "connect", protocol.ConnectPayload{Path: db})
	s.mustOK("t", "execute", protocol.ExecutePayload{SQL: "CREATE TABLE t (x INTEGER)"})

	const n = 10
	for i := 0; i < n; i++ {
		s.send(fmt.Sprintf("q%d", i), "query", protocol.QueryPayload{SQL: fmt.Sprintf("SELECT %d AS v", i)})
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		resp := s.recv()
		if resp.Status != protocol.StatusOK {
			t.Fatalf("response %s: %s (%s)", resp.ID, resp.Error, resp.Code)
		}
		if seen[resp.ID] {
			t.Fatalf("duplicate response for id %s", resp.ID)
		}
		seen[resp.ID] = true

		// The payload must belong to the id, regardless of arrival order.
		var qr protocol.QueryResult
		if err := json.Unmarshal(resp.Data, &qr); err != nil {
			t.Fatal(err)
		}
		var idx int
		fmt.Sscanf(resp.ID, "q%d", &idx)
		if v := int(qr.Rows[0]["v"].(float64)); v != idx {
			t.Errorf("id %s carried value %d", resp.ID, v)
		}
	}
}
