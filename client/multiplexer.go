// Package client is the host-side library for the sidecar engine: it
// spawns the engine as a child process, correlates NDJSON requests with
// responses, and exposes a typed API over the wire protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/sqlite-sidecar/logger"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// pendingResult is what a waiting caller receives: either the engine's
// response or a local failure (transport loss).
type pendingResult struct {
	resp *protocol.Response
	err  error
}

// Multiplexer assigns a correlation id to each outgoing request and
// routes inbound responses to the waiting caller. Responses may arrive
// in any order; correctness depends only on id matching.
type Multiplexer struct {
	timeout time.Duration

	writeMu sync.Mutex
	writer  io.Writer

	mu      sync.Mutex
	pending map[string]chan pendingResult

	log *slog.Logger
}

// NewMultiplexer creates a multiplexer with the given per-request
// timeout. A transport must be attached with SetTransport before any
// Send.
func NewMultiplexer(timeout time.Duration) *Multiplexer {
	return &Multiplexer{
		timeout: timeout,
		pending: make(map[string]chan pendingResult),
		log:     logger.WithComponent("multiplexer"),
	}
}

// SetTransport points the multiplexer at a new engine stdin. Called
// whenever the supervisor (re)starts the child.
func (m *Multiplexer) SetTransport(w io.Writer) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.writer = w
}

// Send serializes one request, writes it as a single line, and blocks
// until the matching response arrives, the per-request deadline
// elapses, or ctx is done. A deadline rejection is local: the late
// response, if it ever arrives, is discarded as unmatched.
func (m *Multiplexer) Send(ctx context.Context, cmd string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, protocol.ErrInvalidRequest("unencodable payload: %v", err)
	}

	id := uuid.New().String()
	ch, err := m.register(id)
	if err != nil {
		return nil, err
	}

	req := protocol.Request{V: protocol.Version, ID: id, Cmd: cmd, Payload: raw}
	if err := m.writeLine(req); err != nil {
		m.remove(id)
		return nil, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return decodeResponse(res.resp)
	case <-timer.C:
		m.remove(id)
		m.log.Warn("request deadline elapsed", "id", id, "cmd", cmd, "timeout", m.timeout)
		return nil, protocol.ErrTimeout()
	case <-ctx.Done():
		m.remove(id)
		return nil, ctx.Err()
	}
}

// Dispatch routes one inbound response to its waiting caller. Unmatched
// ids (stale after a timeout, or unknown) are discarded with a log line.
func (m *Multiplexer) Dispatch(resp *protocol.Response) {
	m.mu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("discarding unmatched response", "id", resp.ID)
		return
	}
	ch <- pendingResult{resp: resp}
}

// FailAllPending rejects every currently pending request with a
// transport-failure error and clears the table. Used when the child
// process exits: pending callers get a definite answer, not a silent
// timeout.
func (m *Multiplexer) FailAllPending(cause error) {
	m.mu.Lock()
	failed := m.pending
	m.pending = make(map[string]chan pendingResult)
	m.mu.Unlock()

	if len(failed) == 0 {
		return
	}
	m.log.Warn("failing all pending requests", "count", len(failed), "cause", cause)
	err := errTransport(cause)
	for _, ch := range failed {
		ch <- pendingResult{err: err}
	}
}

// PendingCount reports how many requests are currently awaiting a
// response.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// register installs a pending entry for id. A duplicate id while one is
// still pending is a caller error, never a silent overwrite.
func (m *Multiplexer) register(id string) (chan pendingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[id]; exists {
		return nil, protocol.ErrInvalidRequest("duplicate request id %q", id)
	}
	// Buffered so Dispatch never blocks on a caller that already gave up.
	ch := make(chan pendingResult, 1)
	m.pending[id] = ch
	return ch, nil
}

func (m *Multiplexer) remove(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Multiplexer) writeLine(req protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.ErrInternal("failed to encode request: %v", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.writer == nil {
		return errTransport(fmt.Errorf("no transport attached"))
	}
	if _, err := fmt.Fprintf(m.writer, "%s\n", data); err != nil {
		return errTransport(err)
	}
	return nil
}

// decodeResponse maps a wire response to data or a structured error.
func decodeResponse(resp *protocol.Response) (json.RawMessage, error) {
	if resp.Status == protocol.StatusOK {
		return resp.Data, nil
	}
	code := resp.Code
	if code == "" {
		code = protocol.CodeInternal
	}
	return nil, &protocol.EngineError{Code: code, Message: resp.Error, Details: resp.Details}
}

func errTransport(cause error) *protocol.EngineError {
	return &protocol.EngineError{
		Code:    protocol.CodeInternal,
		Message: fmt.Sprintf("transport failure: %v", cause),
	}
}
