// Package cmd provides the sqlite-sidecar command line. The default
// mode serves the editor bridge protocol over stdin/stdout; --mcp
// switches to the agent-facing MCP server on the same engine.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/sqlite-sidecar/bridge"
	"github.com/zhubert/sqlite-sidecar/config"
	"github.com/zhubert/sqlite-sidecar/engine"
	"github.com/zhubert/sqlite-sidecar/logger"
	"github.com/zhubert/sqlite-sidecar/mcp"
)

var (
	showVersion bool
	mcpMode     bool
	configPath  string

	logLevel           string
	logFile            string
	maxRows            int
	timeoutMS          int
	busyTimeoutMS      int
	writeBusyTimeoutMS int
	allowedDirs        []string
	protocolVersion    int
)

var rootCmd = &cobra.Command{
	Use:   "sqlite-sidecar",
	Short: "SQLite engine sidecar speaking newline-delimited JSON over stdio",
	Long: `sqlite-sidecar runs SQLite queries on behalf of an editor or agent host.

It reads one JSON request per line on stdin and writes one JSON response
per line on stdout; all diagnostics go to stderr or a log file so the
protocol stream stays clean. Each database file gets its own serialized
worker, so concurrent requests against different files run in parallel
while access to any single file is strictly ordered.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the sidecar and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flags.BoolVar(&mcpMode, "mcp", false, "Serve the MCP agent interface instead of the editor bridge")
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file (default: the XDG config location)")
	flags.StringVar(&logLevel, "log-level", "", "Log verbosity: debug, info, warn, error")
	flags.StringVar(&logFile, "log-file", "", "Append logs to this file instead of stderr")
	flags.IntVar(&maxRows, "max-rows", 0, "Maximum rows returned per query")
	flags.IntVar(&timeoutMS, "timeout-ms", 0, "Per-request soft timeout in milliseconds")
	flags.IntVar(&busyTimeoutMS, "busy-timeout-ms", 0, "SQLite busy timeout for reads in milliseconds")
	flags.IntVar(&writeBusyTimeoutMS, "write-busy-timeout-ms", 0, "SQLite busy timeout for writes in milliseconds")
	flags.StringArrayVar(&allowedDirs, "allowed-dir", nil, "Restrict database files to this directory (repeatable)")
	flags.IntVar(&protocolVersion, "protocol-version", 0, "Protocol version to speak (reserved, only 1 exists)")
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("sqlite-sidecar %s\n", Version)
		return nil
	}

	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}

	if err := logger.Init(opts.LogLevel, opts.LogFile); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	eng := engine.New(opts)
	defer eng.CloseAll()

	if mcpMode {
		return mcp.Serve(eng)
	}

	srv := bridge.NewServer(os.Stdin, os.Stdout, eng)
	return srv.Run(context.Background())
}

// loadOptions merges the config file with any flags the caller set
// explicitly; flags win.
func loadOptions(cmd *cobra.Command) (*config.Options, error) {
	var opts *config.Options
	var err error
	if configPath != "" {
		opts, err = config.LoadFile(configPath)
	} else {
		opts, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		opts.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		opts.LogFile = logFile
	}
	if flags.Changed("max-rows") {
		opts.MaxRows = maxRows
	}
	if flags.Changed("timeout-ms") {
		opts.TimeoutMS = timeoutMS
	}
	if flags.Changed("busy-timeout-ms") {
		opts.BusyTimeoutMS = busyTimeoutMS
	}
	if flags.Changed("write-busy-timeout-ms") {
		opts.WriteBusyTimeoutMS = writeBusyTimeoutMS
	}
	if flags.Changed("allowed-dir") {
		opts.AllowedDirs = allowedDirs
	}
	if flags.Changed("protocol-version") {
		opts.ProtocolVersion = protocolVersion
	}
	opts.Validate()
	return opts, nil
}
