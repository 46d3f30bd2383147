package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/sqlite-sidecar/protocol"
)

// syncBuffer is a mutex-guarded write sink standing in for the engine's
// stdin.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Requests parses every complete line written so far.
func (b *syncBuffer) Requests(t *testing.T) []protocol.Request {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var reqs []protocol.Request
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if line == "" {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			t.Fatalf("unparseable request line %q: %v", line, err)
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func waitPending(t *testing.T, m *Multiplexer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.PendingCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", m.PendingCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMultiplexer_CorrelationUnderReordering(t *testing.T) {
	buf := &syncBuffer{}
	mux := NewMultiplexer(5 * time.Second)
	mux.SetTransport(buf)

	const n = 10
	type outcome struct {
		idx  int
		data json.RawMessage
		err  error
	}
	results := make(chan outcome, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			data, err := mux.Send(context.Background(), protocol.CmdQuery, map[string]int{"i": i})
			results <- outcome{idx: i, data: data, err: err}
		}(i)
	}

	waitPending(t, mux, n)

	// Answer in reverse submission order, echoing each request's payload.
	reqs := buf.Requests(t)
	if len(reqs) != n {
		t.Fatalf("wrote %d requests, want %d", len(reqs), n)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		var payload struct {
			I int `json:"i"`
		}
		if err := json.Unmarshal(reqs[i].Payload, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		mux.Dispatch(&protocol.Response{
			V:      protocol.Version,
			ID:     reqs[i].ID,
			Status: protocol.StatusOK,
			Data:   json.RawMessage(fmt.Sprintf("%d", payload.I)),
		})
	}

	for i := 0; i < n; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("send %d failed: %v", res.idx, res.err)
		}
		var got int
		if err := json.Unmarshal(res.data, &got); err != nil {
			t.Fatalf("bad data: %v", err)
		}
		if got != res.idx {
			t.Errorf("caller %d resolved with %d", res.idx, got)
		}
	}
	if mux.PendingCount() != 0 {
		t.Errorf("pending = %d after resolution, want 0", mux.PendingCount())
	}
}

func TestMultiplexer_ErrorResponse(t *testing.T) {
	buf := &syncBuffer{}
	mux := NewMultiplexer(5 * time.Second)
	mux.SetTransport(buf)

	errCh := make(chan error, 1)
	go func() {
		_, err := mux.Send(context.Background(), protocol.CmdQuery, protocol.QueryPayload{SQL: "UPDATE t SET x=1"})
		errCh <- err
	}()

	waitPending(t, mux, 1)
	reqs := buf.Requests(t)
	mux.Dispatch(&protocol.Response{
		V:      protocol.Version,
		ID:     reqs[0].ID,
		Status: protocol.StatusError,
		Error:  "statement is not read-only",
		Code:   protocol.CodeNotReadonly,
	})

	err := <-errCh
	var ee *protocol.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want EngineError", err)
	}
	if ee.Code != protocol.CodeNotReadonly || ee.Message != "statement is not read-only" {
		t.Errorf("got %q/%q", ee.Code, ee.Message)
	}
}

func TestMultiplexer_TimeoutAndLateResponse(t *testing.T) {
	buf := &syncBuffer{}
	mux := NewMultiplexer(30 * time.Millisecond)
	mux.SetTransport(buf)

	_, err := mux.Send(context.Background(), protocol.CmdTables, protocol.TablesPayload{})
	var ee *protocol.EngineError
	if !errors.As(err, &ee) || ee.Code != protocol.CodeTimeout {
		t.Fatalf("error = %v, want TIMEOUT", err)
	}
	if mux.PendingCount() != 0 {
		t.Fatalf("pending = %d after timeout, want 0", mux.PendingCount())
	}

	// The late response for the timed-out id is discarded as unmatched.
	reqs := buf.Requests(t)
	mux.Dispatch(&protocol.Response{
		V:      protocol.Version,
		ID:     reqs[0].ID,
		Status: protocol.StatusOK,
		Data:   json.RawMessage(`[]`),
	})
	if mux.PendingCount() != 0 {
		t.Errorf("pending = %d after late response, want 0", mux.PendingCount())
	}
}

func TestMultiplexer_DuplicateID(t *testing.T) {
	mux := NewMultiplexer(time.Second)

	if _, err := mux.register("abc"); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	_, err := mux.register("abc")
	var ee *protocol.EngineError
	if !errors.As(err, &ee) || ee.Code != protocol.CodeInvalidRequest {
		t.Errorf("duplicate register error = %v, want INVALID_REQUEST", err)
	}
}

func TestMultiplexer_FailAllPending(t *testing.T) {
	buf := &syncBuffer{}
	mux := NewMultiplexer(5 * time.Second)
	mux.SetTransport(buf)

	const k = 5
	errCh := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := mux.Send(context.Background(), protocol.CmdTables, protocol.TablesPayload{})
			errCh <- err
		}()
	}
	waitPending(t, mux, k)

	mux.FailAllPending(errors.New("process exited"))

	for i := 0; i < k; i++ {
		err := <-errCh
		var ee *protocol.EngineError
		if !errors.As(err, &ee) || ee.Code != protocol.CodeInternal {
			t.Fatalf("error = %v, want transport failure", err)
		}
		if !strings.Contains(ee.Message, "transport failure") {
			t.Errorf("message = %q, want transport failure", ee.Message)
		}
	}
	if mux.PendingCount() != 0 {
		t.Errorf("pending = %d after fail-all, want 0", mux.PendingCount())
	}
}

func TestMultiplexer_NoTransport(t *testing.T) {
	mux := NewMultiplexer(time.Second)
	_, err := mux.Send(context.Background(), protocol.CmdTables, protocol.TablesPayload{})
	if err == nil {
		t.Fatal("Send without transport succeeded")
	}
	if mux.PendingCount() != 0 {
		t.Errorf("pending = %d after failed write, want 0", mux.PendingCount())
	}
}
