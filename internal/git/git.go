package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Gateway provides the repository operations the deployer needs
type Gateway interface {
	// Init creates an empty repository in dir, creating dir if needed.
	Init(ctx context.Context, dir string) error
	// AddRemote registers url under name in the repository at dir.
	AddRemote(ctx context.Context, dir, name, url string) error
	// Pull fetches branch from remote into the repository at dir.
	// Progress output is streamed to progress, which may be nil.
	Pull(ctx context.Context, dir, remote, branch string, progress io.Writer) error
	// UpdateSubmodules initializes and updates all submodules recursively.
	UpdateSubmodules(ctx context.Context, dir string, progress io.Writer) error
	// ListBranchTips returns branch name -> tip commit id for repo.
	ListBranchTips(ctx context.Context, repo string) (map[string]string, error)
}

// ShellClient implements Gateway by shelling out to the git command.
// Branch tips of local repositories are read in-process.
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Init creates an empty repository in dir
func (c *ShellClient) Init(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "init", "-q", dir)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git init failed: %w", err)
	}
	return nil
}

// AddRemote adds a named remote
func (c *ShellClient) AddRemote(ctx context.Context, dir, name, url string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "add", name, url)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git remote add %s failed: %w", name, err)
	}
	return nil
}

// Pull fetches and merges branch from remote. In a freshly initialized
// repository this checks the branch out as the initial history.
func (c *ShellClient) Pull(ctx context.Context, dir, remote, branch string, progress io.Writer) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "pull", "--progress", "--no-rebase", remote, branch)
	if err := c.configureAuth(cmd); err != nil {
		return err
	}
	if err := c.streamCommand(cmd, progress); err != nil {
		return fmt.Errorf("git pull %s %s failed: %w", remote, branch, err)
	}
	return nil
}

// UpdateSubmodules initializes and updates submodules recursively
func (c *ShellClient) UpdateSubmodules(ctx context.Context, dir string, progress io.Writer) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "submodule", "update", "--init", "--recursive", "--progress")
	if err := c.configureAuth(cmd); err != nil {
		return err
	}
	if err := c.streamCommand(cmd, progress); err != nil {
		return fmt.Errorf("git submodule update failed: %w", err)
	}
	return nil
}

// ListBranchTips returns the tip commit of every branch in repo. Local
// repositories are opened directly; anything else goes through ls-remote.
func (c *ShellClient) ListBranchTips(ctx context.Context, repo string) (map[string]string, error) {
	if isLocalPath(repo) {
		return listLocalBranchTips(repo)
	}

	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", repo)
	if err := c.configureAuth(cmd); err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-remote failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseLsRemote(output)
}

func listLocalBranchTips(path string) (map[string]string, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}

	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer iter.Close()

	tips := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tips[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read branch refs: %w", err)
	}
	return tips, nil
}

// parseLsRemote parses "<commit>\trefs/heads/<branch>" lines.
func parseLsRemote(output []byte) (map[string]string, error) {
	tips := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("unexpected ls-remote line: %q", line)
		}
		name, ok := strings.CutPrefix(fields[1], "refs/heads/")
		if !ok {
			continue
		}
		tips[name] = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tips, nil
}

func isLocalPath(repo string) bool {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") {
		return false
	}
	info, err := os.Stat(repo)
	return err == nil && info.IsDir()
}

// configureAuth sets up authentication for git operations that talk to a remote
func (c *ShellClient) configureAuth(cmd *exec.Cmd) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and is read by a credential
		// helper, never embedded in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "BRANCHDEPLOYD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$BRANCHDEPLOYD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "pull", "ls-remote").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// streamCommand runs cmd, copying its output to progress while keeping a
// copy for the error message. Stdout and stderr share one writer so exec
// never calls progress from two goroutines at once.
func (c *ShellClient) streamCommand(cmd *exec.Cmd, progress io.Writer) error {
	if progress == nil {
		progress = io.Discard
	}
	var output bytes.Buffer
	out := io.MultiWriter(progress, &output)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, lastLines(output.String(), 5))
	}
	return nil
}

// lastLines returns at most n trailing non-empty lines of s, which keeps
// progress noise out of error messages.
func lastLines(s string, n int) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
