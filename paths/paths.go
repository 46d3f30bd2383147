// Package paths provides centralized path resolution: the sidecar's own
// config/state directories, and canonicalization plus allow-list checking
// for the database files callers ask it to open.
//
// App directories follow the XDG Base Directory Specification:
//
//   - Config (XDG_CONFIG_HOME): config.yaml — startup settings
//   - State (XDG_STATE_HOME): logs/ — transient log files
//
// Resolution order:
//  1. If ~/.sqlite-sidecar/ exists → use legacy flat layout
//  2. If XDG env vars are set → use XDG layout with proper separation
//  3. Fresh install, no XDG vars → default to ~/.sqlite-sidecar/
package paths

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	stateDir  string
	legacy    bool
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	legacyDir := filepath.Join(home, ".sqlite-sidecar")

	// 1. If ~/.sqlite-sidecar/ exists, use legacy layout
	if info, err := os.Stat(legacyDir); err == nil && info.IsDir() {
		resolved = &resolvedPaths{
			configDir: legacyDir,
			stateDir:  legacyDir,
			legacy:    true,
		}
		return resolved, nil
	}

	// 2. Check XDG env vars
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig != "" || xdgState != "" {
		// Use XDG layout — fill in defaults for unset vars
		if xdgConfig == "" {
			xdgConfig = filepath.Join(home, ".config")
		}
		if xdgState == "" {
			xdgState = filepath.Join(home, ".local", "state")
		}
		resolved = &resolvedPaths{
			configDir: filepath.Join(xdgConfig, "sqlite-sidecar"),
			stateDir:  filepath.Join(xdgState, "sqlite-sidecar"),
			legacy:    false,
		}
		return resolved, nil
	}

	// 3. Fresh install, no XDG — default to legacy
	resolved = &resolvedPaths{
		configDir: legacyDir,
		stateDir:  legacyDir,
		legacy:    true,
	}
	return resolved, nil
}

// ConfigDir returns the directory for configuration files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsLegacyLayout returns true if using the ~/.sqlite-sidecar/ flat layout.
func IsLegacyLayout() bool {
	r, err := resolve()
	if err != nil {
		return true // assume legacy on error
	}
	return r.legacy
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}

// Normalize returns the absolute, lexically cleaned form of path. It never
// touches the filesystem, so it works for databases that do not exist yet.
func Normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Canonicalize returns the canonical form of a database path: absolute,
// cleaned, with symlinks resolved. Two strings naming the same file must
// canonicalize identically, since the result keys the worker registry.
// SQLite may create the file on open, so a missing final component is fine:
// the parent directory is resolved and the base name re-joined.
func Canonicalize(path string) (string, error) {
	abs, err := Normalize(path)
	if err != nil {
		return "", err
	}

	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(abs)
	realDir, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		if os.IsNotExist(err) {
			// Parent missing too; the open will fail with a clear error.
			return abs, nil
		}
		return "", err
	}
	return filepath.Join(realDir, base), nil
}

// AllowList restricts database access to a set of directory roots. An empty
// list allows everything.
type AllowList []string

// NewAllowList normalizes each root lexically. Roots that cannot be made
// absolute are dropped.
func NewAllowList(dirs []string) AllowList {
	var roots []string
	for _, d := range dirs {
		norm, err := Normalize(d)
		if err != nil {
			continue
		}
		roots = append(roots, norm)
	}
	return AllowList(roots)
}

// Empty reports whether no roots are configured.
func (a AllowList) Empty() bool {
	return len(a) == 0
}

// Allows reports whether path sits under one of the allowed roots. The check
// is component-wise: /data/dbs-evil does not match the root /data/dbs.
// path should already be normalized.
func (a AllowList) Allows(path string) bool {
	if len(a) == 0 {
		return true
	}
	for _, root := range a {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
