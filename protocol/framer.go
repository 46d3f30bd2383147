package protocol

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// Framer assembles a raw byte stream into complete JSON lines. The transport
// may split one message across several chunks or coalesce several messages
// into one chunk; Push buffers partial tails and emits each line exactly once,
// in stream order.
type Framer struct {
	buf bytes.Buffer
	log *slog.Logger
}

// NewFramer returns a Framer. Discarded input is reported to log; a nil log
// disables reporting.
func NewFramer(log *slog.Logger) *Framer {
	return &Framer{log: log}
}

// Push appends one chunk and returns the complete JSON lines it completed.
// Empty lines are dropped. A line that is not valid JSON is discarded and
// logged; it never terminates the stream and never reaches a caller.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.buf.Write(chunk)

	var lines [][]byte
	for {
		raw := f.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), bytes.TrimSpace(raw[:i])...)
		f.buf.Next(i + 1)

		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			if f.log != nil {
				f.log.Warn("discarding unparseable protocol line", "bytes", len(line))
			}
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Pending reports how many buffered bytes are waiting for a line terminator.
func (f *Framer) Pending() int {
	return f.buf.Len()
}
