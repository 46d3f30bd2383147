package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed" // bundled SQLite build

	"github.com/zhubert/sqlite-sidecar/logger"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// taskQueueSize bounds how many operations may wait on a worker before
// enqueueing callers block.
const taskQueueSize = 16

// taskResult carries a task's outcome back to the caller.
type taskResult struct {
	value any
	err   error
}

// task is one unit of work executed on the worker's connection. The context
// carries the caller's deadline; the worker arms it as the statement
// interrupt so a timed-out statement stops running server-side.
type task struct {
	ctx  context.Context
	run  func(conn *sqlite3.Conn) (any, error)
	resp chan taskResult
}

// workerOptions configures a Worker's connection.
type workerOptions struct {
	busyTimeout      time.Duration
	writeBusyTimeout time.Duration
}

// Worker owns one database file's connection. The connection is not safe to
// share across goroutines, so all access is funneled through the worker's
// task loop: operations run strictly one-at-a-time, in submission order.
// Different workers are fully independent.
type Worker struct {
	path  string
	opts  workerOptions
	tasks chan task
	done  chan struct{}
	once  sync.Once
	log   *slog.Logger

	// ready closes once the open attempt finished; openErr is set before
	// the close and never written again.
	ready   chan struct{}
	openErr error
}

// newWorker spawns a worker for path. The connection is opened inside the
// worker goroutine; if the open fails, every queued and future task is
// answered with the open error instead of hanging.
func newWorker(path string, opts workerOptions) *Worker {
	w := &Worker{
		path:  path,
		opts:  opts,
		tasks: make(chan task, taskQueueSize),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
		log:   logger.WithDatabase(path),
	}
	go w.run()
	return w
}

// WaitReady blocks until the worker's open attempt finished and returns
// the open error, if any.
func (w *Worker) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return w.openErr
	case <-ctx.Done():
		return protocol.ErrTimeout()
	}
}

// Query runs a read-only statement and returns a bounded result. A statement
// the database reports as not read-only fails with NOT_READONLY before
// execution.
func (w *Worker) Query(ctx context.Context, sql string, limit int, offset *int) (*protocol.QueryResult, error) {
	v, err := w.submit(ctx, func(conn *sqlite3.Conn) (any, error) {
		return runQuery(conn, sql, limit, offset)
	})
	if err != nil {
		return nil, err
	}
	return v.(*protocol.QueryResult), nil
}

// Execute runs a mutating statement. The connection temporarily uses the
// longer write busy-timeout, so lock contention from another process blocks
// briefly instead of failing immediately.
func (w *Worker) Execute(ctx context.Context, sql string) (*protocol.ExecResult, error) {
	v, err := w.submit(ctx, func(conn *sqlite3.Conn) (any, error) {
		conn.BusyTimeout(w.opts.writeBusyTimeout)
		defer conn.BusyTimeout(w.opts.busyTimeout)
		return runExecute(conn, sql)
	})
	if err != nil {
		return nil, err
	}
	return v.(*protocol.ExecResult), nil
}

// Tables lists user tables in name order, excluding SQLite internals.
func (w *Worker) Tables(ctx context.Context) ([]string, error) {
	v, err := w.submit(ctx, func(conn *sqlite3.Conn) (any, error) {
		return listTables(conn)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Columns lists one table's columns in schema-declaration order.
func (w *Worker) Columns(ctx context.Context, table string) ([]protocol.ColumnMeta, error) {
	v, err := w.submit(ctx, func(conn *sqlite3.Conn) (any, error) {
		return listColumns(conn, table)
	})
	if err != nil {
		return nil, err
	}
	return v.([]protocol.ColumnMeta), nil
}

// Close tears down the worker and its connection. Tasks still queued are
// answered with an error. Safe to call multiple times.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.done)
	})
}

// submit enqueues a task and waits for its result. The caller's context
// bounds both the queue wait and the execution; an elapsed deadline yields
// TIMEOUT while the worker interrupts the running statement.
func (w *Worker) submit(ctx context.Context, run func(conn *sqlite3.Conn) (any, error)) (any, error) {
	t := task{ctx: ctx, run: run, resp: make(chan taskResult, 1)}

	select {
	case w.tasks <- t:
	case <-w.done:
		return nil, w.closedErr()
	case <-ctx.Done():
		return nil, protocol.ErrTimeout()
	}

	select {
	case r := <-t.resp:
		return r.value, r.err
	case <-ctx.Done():
		return nil, protocol.ErrTimeout()
	}
}

// run is the worker loop. It is the only goroutine that ever touches the
// connection.
func (w *Worker) run() {
	conn, err := openConn(w.path, w.opts.busyTimeout)
	if err != nil {
		w.openErr = protocol.ErrDBOpenFailed(w.path, err)
		close(w.ready)
		w.log.Error("failed to open database", "error", err)
		w.serveOpenFailure()
		return
	}
	close(w.ready)
	defer conn.Close()

	w.log.Debug("worker started")

	for {
		select {
		case <-w.done:
			w.drainFailing(protocol.ErrInternal("database worker closed"))
			w.log.Debug("worker stopped")
			return
		case t := <-w.tasks:
			w.execute(conn, t)
		}
	}
}

// serveOpenFailure keeps answering every task with the open error until
// the worker is closed: callers always get DB_OPEN_FAILED, never a hang.
func (w *Worker) serveOpenFailure() {
	for {
		select {
		case <-w.done:
			w.drainFailing(w.openErr)
			return
		case t := <-w.tasks:
			t.resp <- taskResult{err: w.openErr}
		}
	}
}

// closedErr is the error for a task submitted after Close. A worker that
// never opened reports its open error instead of a generic shutdown.
func (w *Worker) closedErr() error {
	select {
	case <-w.ready:
		if w.openErr != nil {
			return w.openErr
		}
	default:
	}
	return protocol.ErrInternal("database worker closed")
}

// execute runs one task with the task's context armed as the statement
// interrupt.
func (w *Worker) execute(conn *sqlite3.Conn, t task) {
	old := conn.SetInterrupt(t.ctx)
	value, err := t.run(conn)
	conn.SetInterrupt(old)

	if err != nil && (isInterrupt(err) || t.ctx.Err() != nil) {
		err = protocol.ErrTimeout()
	}
	t.resp <- taskResult{value: value, err: err}
}

// drainFailing answers all queued tasks with err. Used when the connection
// never opened or the worker is shutting down.
func (w *Worker) drainFailing(err error) {
	for {
		select {
		case t := <-w.tasks:
			t.resp <- taskResult{err: err}
		default:
			return
		}
	}
}

// openConn opens the database with a busy timeout so transient file-lock
// contention blocks briefly rather than failing immediately.
func openConn(path string, busyTimeout time.Duration) (*sqlite3.Conn, error) {
	conn, err := sqlite3.Open(path)
	if err != nil {
		return nil, err
	}
	if err := conn.BusyTimeout(busyTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// isInterrupt reports whether err is SQLite's interrupted-statement error.
func isInterrupt(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.INTERRUPT
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
