package cmd

var (
	// Version is stamped at build time with -ldflags.
	Version = "0.0.0-dev"
)
