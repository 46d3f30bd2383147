// Package engine is the sidecar's execution core: it maps each canonical
// database path to exactly one Worker, serializes all statements against a
// worker's connection, and converts results into the bounded, JSON-safe
// shape the protocol carries. Different databases execute fully in parallel.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/sqlite-sidecar/config"
	"github.com/zhubert/sqlite-sidecar/logger"
	"github.com/zhubert/sqlite-sidecar/paths"
	"github.com/zhubert/sqlite-sidecar/protocol"
)

// Engine owns the path→Worker registry and applies the configured limits,
// timeouts, and directory allow-list to every operation.
type Engine struct {
	mu      sync.Mutex
	workers map[string]*Worker

	maxRows     int
	previewRows int
	timeout     time.Duration
	workerOpts  workerOptions
	allowed     paths.AllowList
	log         *slog.Logger
}

// New creates an Engine from validated options.
func New(opts *config.Options) *Engine {
	return &Engine{
		workers:     make(map[string]*Worker),
		maxRows:     opts.MaxRows,
		previewRows: opts.PreviewRows,
		timeout:     time.Duration(opts.TimeoutMS) * time.Millisecond,
		workerOpts: workerOptions{
			busyTimeout:      time.Duration(opts.BusyTimeoutMS) * time.Millisecond,
			writeBusyTimeout: time.Duration(opts.WriteBusyTimeoutMS) * time.Millisecond,
		},
		allowed: paths.NewAllowList(opts.AllowedDirs),
		log:     logger.WithComponent("engine"),
	}
}

// PreviewRows returns the row cap for lightweight preview access.
func (e *Engine) PreviewRows() int {
	return e.previewRows
}

// Connect validates path and eagerly creates its worker, awaiting the
// open so failures surface on connect instead of on the first query.
func (e *Engine) Connect(ctx context.Context, path string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	_, err := e.getOrCreate(ctx, path)
	return err
}

// Query runs a read-only statement against path's worker. The requested
// limit is clamped to the configured maximum; nil means the maximum.
func (e *Engine) Query(ctx context.Context, path, sql string, limit, offset *int) (*protocol.QueryResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	w, err := e.getOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}
	return w.Query(ctx, sql, effectiveLimit(limit, e.maxRows), offset)
}

// Preview runs a bounded SELECT over a table reference, used for resource
// reads. The reference may be table or schema.table.
func (e *Engine) Preview(ctx context.Context, path, tableRef string) (*protocol.QueryResult, error) {
	if !isSafeTableRef(tableRef) {
		return nil, protocol.ErrInvalidRequest("invalid table reference: %s", tableRef)
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	w, err := e.getOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}
	sql := "SELECT * FROM " + tableRef
	return w.Query(ctx, sql, e.previewRows, nil)
}

// Execute runs a mutating statement against path's worker.
func (e *Engine) Execute(ctx context.Context, path, sql string) (*protocol.ExecResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	w, err := e.getOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}
	return w.Execute(ctx, sql)
}

// Tables lists path's user tables.
func (e *Engine) Tables(ctx context.Context, path string) ([]string, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	w, err := e.getOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}
	return w.Tables(ctx)
}

// Columns lists one table's column metadata.
func (e *Engine) Columns(ctx context.Context, path, table string) ([]protocol.ColumnMeta, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	w, err := e.getOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}
	return w.Columns(ctx, table)
}

// Close tears down the worker for path, if one exists. The next access
// re-creates it. Closing an unopened path is not an error.
func (e *Engine) Close(path string) error {
	canonical, err := e.validatePath(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	w, ok := e.workers[canonical]
	if ok {
		delete(e.workers, canonical)
	}
	e.mu.Unlock()

	if ok {
		w.Close()
	}
	return nil
}

// CloseAll tears down every worker. Called at process shutdown.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	workers := e.workers
	e.workers = make(map[string]*Worker)
	e.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
}

// getOrCreate resolves path to its single worker, creating one on first
// reference. Lookup-or-create happens under one lock so two input strings
// naming the same file can never produce two workers. The open result is
// awaited: a worker whose connection failed to open is evicted from the
// registry so the next access retries, and its open error is returned.
func (e *Engine) getOrCreate(ctx context.Context, path string) (*Worker, error) {
	canonical, err := e.validatePath(path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	w, ok := e.workers[canonical]
	if !ok {
		e.log.Debug("creating worker", "path", canonical)
		w = newWorker(canonical, e.workerOpts)
		e.workers[canonical] = w
	}
	e.mu.Unlock()

	if err := w.WaitReady(ctx); err != nil {
		e.mu.Lock()
		if e.workers[canonical] == w {
			delete(e.workers, canonical)
		}
		e.mu.Unlock()
		w.Close()
		return nil, err
	}
	return w, nil
}

// validatePath normalizes path, enforces the allow-list, and canonicalizes
// it for registry keying. The allow-list check uses the lexically normalized
// form, before any filesystem resolution.
func (e *Engine) validatePath(path string) (string, error) {
	if path == "" {
		return "", protocol.ErrInvalidRequest("database path is empty")
	}

	norm, err := paths.Normalize(path)
	if err != nil {
		return "", protocol.ErrInvalidRequest("bad database path: %v", err)
	}
	if !e.allowed.Allows(norm) {
		return "", protocol.ErrPathNotAllowed(norm)
	}

	canonical, err := paths.Canonicalize(norm)
	if err != nil {
		return "", protocol.ErrInvalidRequest("bad database path: %v", err)
	}
	return canonical, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
