package protocol

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes. Callers branch on these, never on
// message text.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodePathNotAllowed = "PATH_NOT_ALLOWED"
	CodeDBOpenFailed   = "DB_OPEN_FAILED"
	CodeSQLError       = "SQL_ERROR"
	CodeNotReadonly    = "NOT_READONLY"
	CodeInvalidNumber  = "INVALID_NUMBER"
	CodeTimeout        = "TIMEOUT"
	CodeInternal       = "INTERNAL"
)

// EngineError is a structured fault carried across the protocol boundary as
// {code, message, details}. Every caller-triggered fault becomes one of these;
// the process keeps serving.
type EngineError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *EngineError) Error() string {
	return e.Message
}

// AsEngineError extracts the EngineError from err, classifying anything else
// as INTERNAL.
func AsEngineError(err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &EngineError{Code: CodeInternal, Message: "internal error: " + err.Error()}
}

// ErrInvalidRequest reports a malformed or unsupported request.
func ErrInvalidRequest(format string, args ...any) *EngineError {
	return &EngineError{Code: CodeInvalidRequest, Message: "invalid request: " + fmt.Sprintf(format, args...)}
}

// ErrPathNotAllowed reports a database path outside the allow-list.
func ErrPathNotAllowed(path string) *EngineError {
	return &EngineError{Code: CodePathNotAllowed, Message: "path not allowed: " + path}
}

// ErrDBOpenFailed reports a database that could not be opened.
func ErrDBOpenFailed(path string, cause error) *EngineError {
	return &EngineError{Code: CodeDBOpenFailed, Message: fmt.Sprintf("failed to open database: %s: %v", path, cause)}
}

// ErrSQL reports a compile or execution failure from the database layer.
func ErrSQL(cause error) *EngineError {
	return &EngineError{Code: CodeSQLError, Message: "sql error: " + cause.Error()}
}

// ErrNotReadonly reports a mutating statement submitted through the
// read-only path.
func ErrNotReadonly() *EngineError {
	return &EngineError{Code: CodeNotReadonly, Message: "query is not read-only"}
}

// ErrInvalidNumber reports a non-finite float that cannot round-trip
// through JSON.
func ErrInvalidNumber(column string) *EngineError {
	return &EngineError{Code: CodeInvalidNumber, Message: fmt.Sprintf("non-finite number in column %s", column)}
}

// ErrTimeout reports a request that outlived its deadline.
func ErrTimeout() *EngineError {
	return &EngineError{Code: CodeTimeout, Message: "timeout"}
}

// ErrInternal reports an unexpected engine fault.
func ErrInternal(format string, args ...any) *EngineError {
	return &EngineError{Code: CodeInternal, Message: "internal error: " + fmt.Sprintf(format, args...)}
}
