//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	binaryName     = "branchdeployd"
	shimLogName    = "systemctl.log"
	defaultTimeout = 5 * time.Minute
)

// shimScript stands in for systemctl. It logs every invocation with a
// timestamp and reports success.
const shimScript = `#!/bin/sh
echo "$(date -u +%Y-%m-%dT%H:%M:%SZ) $*" >> "$BRANCHDEPLOYD_SHIM_LOG"
exit 0
`

// Harness builds the binary once and runs it against scratch directories
// on the host, with a systemctl shim first on PATH.
type Harness struct {
	t       *testing.T
	dir     string
	binary  string
	shimDir string
	keep    bool
}

// NewHarness creates a new test harness rooted in a fresh directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{
		t:    t,
		keep: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}

	dir, err := os.MkdirTemp("", "branchdeployd-tier1-")
	if err != nil {
		t.Fatalf("create workdir: %v", err)
	}
	h.dir = dir
	h.shimDir = filepath.Join(dir, "bin")
	h.binary = filepath.Join(h.shimDir, binaryName)
	return h
}

// Path returns a path inside the harness work directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.dir}, elem...)...)
}

// Build compiles the binary and installs the systemctl shim
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	if err := os.MkdirAll(h.shimDir, 0o755); err != nil {
		return fmt.Errorf("create shim dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(h.shimDir, "systemctl"), []byte(shimScript), 0o755); err != nil {
		return fmt.Errorf("write systemctl shim: %w", err)
	}

	h.t.Logf("Building %s from %s", h.binary, projectRoot)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/branchdeployd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Cleanup removes the work directory
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keep && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.dir)
		return
	}
	if err := os.RemoveAll(h.dir); err != nil {
		h.t.Logf("Warning: failed to remove workdir: %v", err)
	}
}

func (h *Harness) env() []string {
	return append(os.Environ(),
		"PATH="+h.shimDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"HOME="+h.Path("home"),
		"BRANCHDEPLOYD_SHIM_LOG="+h.Path(shimLogName),
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
}

// Exec runs a command with the harness environment
func (h *Harness) Exec(ctx context.Context, cmd ...string) (string, string, int, error) {
	h.t.Helper()

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	execCmd.Dir = h.dir
	execCmd.Env = h.env()

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec executes a command and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, cmd ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, cmd...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\ncmd: %v",
			exitCode, stdout, stderr, cmd)
	}
	return stdout, stderr
}

// Run executes the built binary
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	return h.Exec(ctx, append([]string{h.binary}, args...)...)
}

// WriteFile writes a file, creating parent directories
func (h *Harness) WriteFile(path, content string) error {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ReadFile reads a file
func (h *Harness) ReadFile(path string) (string, error) {
	h.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists checks if a regular file exists
func (h *Harness) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists checks if a directory exists
func (h *Harness) DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReadShimLog reads and parses the systemctl shim log
func (h *Harness) ReadShimLog() ([]ShimLogEntry, error) {
	h.t.Helper()
	content, err := h.ReadFile(h.Path(shimLogName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Parse: "2024-01-01T12:00:00Z --user daemon-reload"
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}

		entries = append(entries, ShimLogEntry{
			Timestamp: parts[0],
			Args:      strings.Fields(parts[1]),
		})
	}

	return entries, scanner.Err()
}

// ClearShimLog clears the systemctl shim log
func (h *Harness) ClearShimLog() error {
	h.t.Helper()
	err := os.Remove(h.Path(shimLogName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ShimLogEntry represents a parsed systemctl shim log entry
type ShimLogEntry struct {
	Timestamp string
	Args      []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: systemctl %s", e.Timestamp, strings.Join(e.Args, " "))
}

// HasArgs checks if the entry starts with the given arguments
func (e ShimLogEntry) HasArgs(args ...string) bool {
	if len(e.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if e.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
