// Package testutil holds fixtures shared by package tests: throwaway git
// repositories with branches and commits created through the git CLI.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a non-bare git repository living in a test temp directory.
type Repo struct {
	t   *testing.T
	Dir string
}

// NewRepo initializes a repository whose initial branch is branch. No
// commit is made, so the branch does not exist until the first Commit.
func NewRepo(t *testing.T, branch string) *Repo {
	t.Helper()
	r := &Repo{t: t, Dir: filepath.Join(t.TempDir(), "source")}
	r.git("init", "-q", "-b", branch, r.Dir)
	r.git("-C", r.Dir, "config", "user.email", "test@test.com")
	r.git("-C", r.Dir, "config", "user.name", "Test")
	r.git("-C", r.Dir, "config", "commit.gpgsign", "false")
	return r
}

// WriteFile creates or overwrites a file relative to the work tree.
func (r *Repo) WriteFile(name, content string) {
	r.t.Helper()
	path := filepath.Join(r.Dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		r.t.Fatal(err)
	}
}

// Commit stages everything and commits it, returning the new commit id.
func (r *Repo) Commit(msg string) string {
	r.t.Helper()
	r.git("-C", r.Dir, "add", "-A")
	r.git("-C", r.Dir, "commit", "-q", "--allow-empty", "-m", msg)
	return r.Head()
}

// CommitFile writes a single file and commits it.
func (r *Repo) CommitFile(name, content, msg string) string {
	r.t.Helper()
	r.WriteFile(name, content)
	return r.Commit(msg)
}

// Branch creates branch at the current HEAD and checks it out.
func (r *Repo) Branch(name string) {
	r.t.Helper()
	r.git("-C", r.Dir, "checkout", "-q", "-b", name)
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(name string) {
	r.t.Helper()
	r.git("-C", r.Dir, "checkout", "-q", name)
}

// DeleteBranch force-deletes a branch that is not checked out.
func (r *Repo) DeleteBranch(name string) {
	r.t.Helper()
	r.git("-C", r.Dir, "branch", "-q", "-D", name)
}

// Head returns the commit id HEAD points at.
func (r *Repo) Head() string {
	r.t.Helper()
	return r.git("-C", r.Dir, "rev-parse", "HEAD")
}

func (r *Repo) git(args ...string) string {
	r.t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// ReadFile returns the content of path, failing the test if it is missing.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
