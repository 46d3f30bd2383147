package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zhubert/sqlite-sidecar/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	initDone bool
)

// DefaultLogPath returns the default log file path used when file logging
// is requested without an explicit path.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sidecar.log"), nil
}

// ParseLevel converts a verbosity string to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the logging verbosity at runtime.
func SetLevel(s string) {
	levelVar.Set(ParseLevel(s))
}

// Init initializes the logger. The engine's stdout carries the protocol
// stream, so diagnostics go to stderr by default; a non-empty filePath
// switches to an append-only log file instead. Calling Init again is a no-op.
func Init(level string, filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}

	levelVar.Set(ParseLevel(level))

	if filePath == "" {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
		root = slog.New(handler)
		initDone = true
		return nil
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", filePath, err)
	}
	logFile = f
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
	initDone = true

	root.Info("logger initialized", "path", filePath)
	return nil
}

// ensureInit falls back to a stderr logger when Init was never called.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
	initDone = true
}

// Get returns the root logger instance.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default()
	}
	return root
}

// WithComponent returns a logger with the component name attached.
//
// Example:
//
//	log := logger.WithComponent("worker")
//	log.Info("statement finished", "rows", n)
//	// Output: level=INFO msg="statement finished" component=worker rows=42
func WithComponent(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default().With("component", component)
	}
	return root.With("component", component)
}

// WithDatabase returns a logger with the database path attached. All log
// entries from this logger identify which worker produced them.
func WithDatabase(path string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default().With("db", path)
	}
	return root.With("db", path)
}

// Close closes the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	root = nil
	levelVar = new(slog.LevelVar)
}
