package client

import (
	"context"
	"fmt"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/zhubert/sqlite-sidecar/exec"
)

// Prerequisite represents a binary the host needs on PATH.
type Prerequisite struct {
	Name        string // command name
	Required    bool   // whether the host can run without it
	Description string
}

// DefaultPrerequisites returns the binaries the host-side library
// expects: the engine itself, plus the sqlite3 shell for manual
// inspection of database files.
func DefaultPrerequisites() []Prerequisite {
	return []Prerequisite{
		{
			Name:        "sqlite-sidecar",
			Required:    true,
			Description: "SQLite sidecar engine",
		},
		{
			Name:        "sqlite3",
			Required:    false,
			Description: "SQLite shell (optional, for manual inspection)",
		},
	}
}

// CheckResult contains the result of checking one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // resolved executable path if found
	Version      string // version string if available
	Error        error
}

// versionProbeTimeout bounds each version probe so a wedged binary
// cannot stall startup.
const versionProbeTimeout = 5 * time.Second

// Check verifies that a binary is available in PATH and probes its
// version.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := osexec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = probeVersion(prereq.Name)
	return result
}

// CheckAll verifies all prerequisites and returns their results.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired returns nil when every required binary is present,
// otherwise an error naming what is missing.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string
	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if result := Check(prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)", prereq.Name, prereq.Description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required binaries:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// probeVersion asks a binary for its version, trying the common flags.
func probeVersion(name string) string {
	executor := exec.GetDefaultExecutor()
	for _, flag := range []string{"--version", "-version", "version"} {
		ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
		output, err := executor.Output(ctx, "", name, flag)
		cancel()
		if err != nil {
			continue
		}
		line, _, _ := strings.Cut(string(output), "\n")
		line = strings.TrimSpace(line)
		if len(line) > 100 {
			line = line[:100] + "..."
		}
		if line != "" {
			return line
		}
	}
	return ""
}
