// Package config holds the sidecar's startup configuration: limits, timeouts,
// and the directory allow-list. Values come from defaults, an optional YAML
// file, and command-line flags, in that order of precedence.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/sqlite-sidecar/paths"
)

// Defaults for every tunable. Validate() falls back to these when a loaded
// value is out of range.
const (
	DefaultLogLevel           = "info"
	DefaultMaxRows            = 1000
	DefaultPreviewRows        = 50
	DefaultTimeoutMS          = 30000
	DefaultBusyTimeoutMS      = 2000
	DefaultWriteBusyTimeoutMS = 5000
	DefaultProtocolVersion    = 1
)

// Options holds the sidecar configuration.
type Options struct {
	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`

	// MaxRows caps rows per query result for interactive use.
	MaxRows int `yaml:"max_rows,omitempty"`
	// PreviewRows caps rows for lightweight preview access (MCP resources).
	PreviewRows int `yaml:"preview_rows,omitempty"`

	// TimeoutMS is the per-request soft deadline. A statement that outlives
	// it is interrupted and answered with TIMEOUT.
	TimeoutMS int `yaml:"timeout_ms,omitempty"`

	// BusyTimeoutMS bounds the wait for a file lock before a read fails.
	BusyTimeoutMS int `yaml:"busy_timeout_ms,omitempty"`
	// WriteBusyTimeoutMS is the (typically longer) lock wait for writes.
	WriteBusyTimeoutMS int `yaml:"write_busy_timeout_ms,omitempty"`

	// AllowedDirs restricts which database paths may be opened. Empty means
	// allow all.
	AllowedDirs []string `yaml:"allowed_dirs,omitempty"`

	// ProtocolVersion is reserved for future protocol negotiation.
	ProtocolVersion int `yaml:"protocol_version,omitempty"`
}

// Default returns an Options populated with defaults.
func Default() *Options {
	return &Options{
		LogLevel:           DefaultLogLevel,
		MaxRows:            DefaultMaxRows,
		PreviewRows:        DefaultPreviewRows,
		TimeoutMS:          DefaultTimeoutMS,
		BusyTimeoutMS:      DefaultBusyTimeoutMS,
		WriteBusyTimeoutMS: DefaultWriteBusyTimeoutMS,
		ProtocolVersion:    DefaultProtocolVersion,
	}
}

// Load reads the config file from the standard location, or returns defaults
// if no file exists.
func Load() (*Options, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads a YAML config file into an Options. A missing file is not an
// error: defaults are returned. Loaded values are normalized by Validate.
func LoadFile(path string) (*Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return opts, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	opts.Validate()
	return opts, nil
}

// Validate normalizes out-of-range values back to defaults rather than
// failing. A config file with a bad value still yields a usable sidecar.
func (o *Options) Validate() {
	if logLevelValid(o.LogLevel) {
		// keep
	} else {
		o.LogLevel = DefaultLogLevel
	}
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	if o.PreviewRows <= 0 {
		o.PreviewRows = DefaultPreviewRows
	}
	if o.TimeoutMS <= 0 {
		o.TimeoutMS = DefaultTimeoutMS
	}
	if o.BusyTimeoutMS <= 0 {
		o.BusyTimeoutMS = DefaultBusyTimeoutMS
	}
	if o.WriteBusyTimeoutMS <= 0 {
		o.WriteBusyTimeoutMS = DefaultWriteBusyTimeoutMS
	}
	if o.WriteBusyTimeoutMS < o.BusyTimeoutMS {
		o.WriteBusyTimeoutMS = o.BusyTimeoutMS
	}
	if o.ProtocolVersion <= 0 {
		o.ProtocolVersion = DefaultProtocolVersion
	}
}

func logLevelValid(level string) bool {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
