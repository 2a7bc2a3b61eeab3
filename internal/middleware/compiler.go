package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// googPathMarker in a job's paths is replaced by the Closure library root.
const googPathMarker = "$GOOG"

// CommandRunner runs an external toolchain command. Output written by the
// command to stdout goes to stdout; a non-zero exit is an error carrying
// the command's stderr.
type CommandRunner interface {
	Run(ctx context.Context, stdout io.Writer, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdout io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// CompileJob describes one compiler output. With Input set the dependency
// calculator resolves sources from Paths; otherwise Sources are compiled
// directly.
type CompileJob struct {
	Input   string          `json:"input"`
	Paths   []string        `json:"paths"`
	Sources []string        `json:"sources"`
	Options CompilerOptions `json:"options"`
}

// CompilerOption is a single "--flag value" pair passed to the compiler.
type CompilerOption struct {
	Flag  string
	Value string
}

// CompilerOptions accepts either a JSON object of flag -> value or a list
// of [flag, value] pairs. Both forms keep document order.
type CompilerOptions []CompilerOption

func (o *CompilerOptions) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}

	if trimmed[0] == '{' {
		var opts CompilerOptions
		err := decodeObject(trimmed, func(flag string, raw json.RawMessage) error {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			opts = append(opts, CompilerOption{Flag: flag, Value: fmt.Sprint(v)})
			return nil
		})
		if err != nil {
			return err
		}
		*o = opts
		return nil
	}

	var pairs [][]any
	if err := json.Unmarshal(trimmed, &pairs); err != nil {
		return fmt.Errorf("compiler options must be an object or a list of [flag, value] pairs: %w", err)
	}
	opts := make(CompilerOptions, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			return fmt.Errorf("compiler option %v is not a [flag, value] pair", pair)
		}
		opts = append(opts, CompilerOption{Flag: fmt.Sprint(pair[0]), Value: fmt.Sprint(pair[1])})
	}
	*o = opts
	return nil
}

// SheetEntry is one output of a compiler sheet.
type SheetEntry struct {
	Output string
	Job    CompileJob
}

// CompileSheet maps output paths to jobs in the order they are configured.
type CompileSheet []SheetEntry

func (s *CompileSheet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}
	var sheet CompileSheet
	err := decodeObject(data, func(output string, raw json.RawMessage) error {
		var job CompileJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("%s: %w", output, err)
		}
		sheet = append(sheet, SheetEntry{Output: output, Job: job})
		return nil
	})
	if err != nil {
		return err
	}
	*s = sheet
	return nil
}

// decodeObject calls fn for each member of the JSON object in data, in
// document order.
func decodeObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// Compiler runs the Closure toolchain once per configured output. Its data
// maps output paths (relative to the target) to CompileJobs.
type Compiler struct {
	closureRoot string
	java        string
	runner      CommandRunner
	logger      *slog.Logger
}

// NewCompiler creates a compiler handler. closureRoot holds bin/compiler.jar,
// bin/calcdeps.py and the goog library.
func NewCompiler(closureRoot, java string, runner CommandRunner, logger *slog.Logger) *Compiler {
	if runner == nil {
		runner = ExecRunner{}
	}
	if java == "" {
		java = "java"
	}
	return &Compiler{
		closureRoot: closureRoot,
		java:        java,
		runner:      runner,
		logger:      logger,
	}
}

func (c *Compiler) Handle(ctx context.Context, req Request) (Result, error) {
	if c.closureRoot == "" {
		return Result{}, fmt.Errorf("closure root not configured")
	}

	var sheet CompileSheet
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &sheet); err != nil {
			return Result{}, fmt.Errorf("invalid compiler sheet: %w", err)
		}
	}
	if len(sheet) == 0 {
		c.logger.Info("nothing to compile", "branch", req.Branch)
		return Done(), nil
	}

	// Later outputs may consume earlier ones, so the sheet runs in order.
	for _, out := range sheet {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := c.compile(ctx, req.Dir, out.Output, out.Job); err != nil {
			c.logger.Error("compilation failed", "branch", req.Branch, "output", out.Output, "error", err)
			return Result{}, fmt.Errorf("failed to compile %s: %w", out.Output, err)
		}
		c.logger.Info("compiled", "branch", req.Branch, "output", out.Output)
	}

	return Done(), nil
}

func (c *Compiler) compile(ctx context.Context, root, output string, job CompileJob) error {
	outPath, err := resolveWithin(root, output)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}

	if job.Input == "" {
		return c.runner.Run(ctx, io.Discard, c.java, c.compilerArgs(root, outPath, job)...)
	}

	args, err := c.calcdepsArgs(root, job)
	if err != nil {
		return err
	}

	// calcdeps writes the compiled result to stdout.
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	runErr := c.runner.Run(ctx, f, filepath.Join(c.closureRoot, "bin", "calcdeps.py"), args...)
	closeErr := f.Close()
	if runErr != nil {
		_ = os.Remove(outPath)
		return runErr
	}
	return closeErr
}

func (c *Compiler) compilerJar() string {
	return filepath.Join(c.closureRoot, "bin", "compiler.jar")
}

func (c *Compiler) compilerArgs(root, outPath string, job CompileJob) []string {
	args := []string{"-jar", c.compilerJar()}
	for _, src := range job.Sources {
		args = append(args, "--js", resolvePath(root, src))
	}
	args = append(args, "--js_output_file", outPath)
	for _, opt := range job.Options {
		args = append(args, "--"+opt.Flag, opt.Value)
	}
	return args
}

func (c *Compiler) calcdepsArgs(root string, job CompileJob) ([]string, error) {
	input, err := resolveWithin(root, job.Input)
	if err != nil {
		return nil, err
	}

	args := []string{"--output_mode", "compiled", "--compiler_jar", c.compilerJar()}
	for _, p := range job.Paths {
		if p == googPathMarker {
			args = append(args, "--path", filepath.Join(c.closureRoot, "goog"))
			continue
		}
		args = append(args, "--path", resolvePath(root, p))
	}
	args = append(args, "--input", input)
	for _, src := range job.Sources {
		args = append(args, "--compiler_flags", "--js="+resolvePath(root, src))
	}
	for _, opt := range job.Options {
		args = append(args, "--compiler_flags", "--"+opt.Flag+"="+opt.Value)
	}
	return args, nil
}

// resolvePath resolves p against root unless it is already absolute.
func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
