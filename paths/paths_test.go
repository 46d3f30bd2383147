package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// setupTestHome creates a temp directory, sets HOME to it, and resets the path cache.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	Reset()
	t.Cleanup(Reset)
	return tmpDir
}

func TestFreshInstallNoXDG(t *testing.T) {
	home := setupTestHome(t)
	// No ~/.sqlite-sidecar/, no XDG vars → default to ~/.sqlite-sidecar/
	expected := filepath.Join(home, ".sqlite-sidecar")

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != expected {
		t.Errorf("ConfigDir = %q, want %q", configDir, expected)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if stateDir != expected {
		t.Errorf("StateDir = %q, want %q", stateDir, expected)
	}

	if !IsLegacyLayout() {
		t.Error("IsLegacyLayout should be true for fresh install without XDG")
	}
}

func TestLegacyTakesPrecedenceOverXDG(t *testing.T) {
	home := setupTestHome(t)
	legacyDir := filepath.Join(home, ".sqlite-sidecar")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatal(err)
	}

	// Set XDG vars — legacy should still win
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != legacyDir {
		t.Errorf("ConfigDir = %q, want %q (legacy should take precedence)", configDir, legacyDir)
	}

	if !IsLegacyLayout() {
		t.Error("IsLegacyLayout should be true when ~/.sqlite-sidecar/ exists, even with XDG vars")
	}
}

func TestXDGPartialVars(t *testing.T) {
	home := setupTestHome(t)
	// No ~/.sqlite-sidecar/ exists

	xdgConfig := filepath.Join(home, "my-config")
	t.Setenv("XDG_CONFIG_HOME", xdgConfig)
	// XDG_STATE_HOME not set — should use the XDG default
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if want := filepath.Join(xdgConfig, "sqlite-sidecar"); configDir != want {
		t.Errorf("ConfigDir = %q, want %q", configDir, want)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "sqlite-sidecar"); stateDir != want {
		t.Errorf("StateDir = %q, want %q", stateDir, want)
	}

	if IsLegacyLayout() {
		t.Error("IsLegacyLayout should be false when using XDG")
	}
}

func TestDerivedPaths(t *testing.T) {
	home := setupTestHome(t)
	legacyDir := filepath.Join(home, ".sqlite-sidecar")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatal(err)
	}
	Reset()

	cfgPath, err := ConfigFilePath()
	if err != nil {
		t.Fatalf("ConfigFilePath: %v", err)
	}
	if want := filepath.Join(legacyDir, "config.yaml"); cfgPath != want {
		t.Errorf("ConfigFilePath = %q, want %q", cfgPath, want)
	}

	logsDir, err := LogsDir()
	if err != nil {
		t.Fatalf("LogsDir: %v", err)
	}
	if want := filepath.Join(legacyDir, "logs"); logsDir != want {
		t.Errorf("LogsDir = %q, want %q", logsDir, want)
	}
}

func TestLegacyFileNotDir(t *testing.T) {
	home := setupTestHome(t)
	// Create ~/.sqlite-sidecar as a file — should NOT be treated as legacy
	legacyPath := filepath.Join(home, ".sqlite-sidecar")
	if err := os.WriteFile(legacyPath, []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}

	xdgConfig := filepath.Join(home, ".config")
	t.Setenv("XDG_CONFIG_HOME", xdgConfig)
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if want := filepath.Join(xdgConfig, "sqlite-sidecar"); configDir != want {
		t.Errorf("ConfigDir = %q, want %q (file should not trigger legacy)", configDir, want)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Already clean", input: "/data/app.db", expected: "/data/app.db"},
		{name: "Dot segments removed", input: "/data/./x/../app.db", expected: "/data/app.db"},
		{name: "Trailing slash removed", input: "/data/app.db/", expected: "/data/app.db"},
		{name: "Parent escapes resolved", input: "/data/dbs/../../etc/passwd", expected: "/etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q): %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeRelative(t *testing.T) {
	got, err := Normalize("relative.db")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("Normalize(relative.db) = %q, want absolute path", got)
	}
}

func TestCanonicalizeMissingFile(t *testing.T) {
	// A database that does not exist yet still canonicalizes: SQLite creates
	// the file on open.
	dir := t.TempDir()
	got, err := Canonicalize(filepath.Join(dir, "new.db"))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(want, "new.db") {
		t.Errorf("Canonicalize = %q, want %q", got, filepath.Join(want, "new.db"))
	}
}

func TestCanonicalizeResolvesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}

	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.MkdirAll(real, 0755); err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(real, "app.db")
	if err := os.WriteFile(dbPath, nil, 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	direct, err := Canonicalize(dbPath)
	if err != nil {
		t.Fatalf("Canonicalize direct: %v", err)
	}
	viaLink, err := Canonicalize(filepath.Join(link, "app.db"))
	if err != nil {
		t.Fatalf("Canonicalize via link: %v", err)
	}
	if direct != viaLink {
		t.Errorf("two spellings of one file canonicalize differently: %q vs %q", direct, viaLink)
	}
}

func TestAllowList(t *testing.T) {
	tests := []struct {
		name    string
		roots   []string
		path    string
		allowed bool
	}{
		{name: "Empty list allows everything", roots: nil, path: "/anywhere/x.db", allowed: true},
		{name: "Inside root", roots: []string{"/data/dbs"}, path: "/data/dbs/app.db", allowed: true},
		{name: "Nested inside root", roots: []string{"/data/dbs"}, path: "/data/dbs/sub/app.db", allowed: true},
		{name: "Root itself", roots: []string{"/data/dbs"}, path: "/data/dbs", allowed: true},
		{name: "Outside root", roots: []string{"/data/dbs"}, path: "/tmp/app.db", allowed: false},
		{name: "Sibling prefix does not match", roots: []string{"/data/dbs"}, path: "/data/dbs-evil/app.db", allowed: false},
		{name: "Second root matches", roots: []string{"/data/a", "/data/b"}, path: "/data/b/x.db", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			al := NewAllowList(tt.roots)
			if got := al.Allows(tt.path); got != tt.allowed {
				t.Errorf("Allows(%q) = %v, want %v", tt.path, got, tt.allowed)
			}
		})
	}
}

func TestAllowListNormalizesRoots(t *testing.T) {
	al := NewAllowList([]string{"/data/dbs/../dbs/"})
	if !al.Allows("/data/dbs/app.db") {
		t.Error("root with dot segments should normalize and match")
	}
}
