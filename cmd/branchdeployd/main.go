package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/branchdeployd/internal/activation"
	"github.com/schaermu/branchdeployd/internal/config"
	"github.com/schaermu/branchdeployd/internal/deploy"
	"github.com/schaermu/branchdeployd/internal/git"
	"github.com/schaermu/branchdeployd/internal/history"
	"github.com/schaermu/branchdeployd/internal/middleware"
	"github.com/schaermu/branchdeployd/internal/proxy"
	"github.com/schaermu/branchdeployd/internal/systemduser"
	"github.com/schaermu/branchdeployd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Deploy flags
	sourceDir  string
	targetRoot string

	// History flags
	historyLimit int
)

// errDeployFailed makes the process exit non-zero after the summary has
// already reported which branches failed.
var errDeployFailed = errors.New("one or more branches failed to deploy")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "branchdeployd",
	Short: "Deploy every branch of a Git repository into its own directory",
	Long: `branchdeployd keeps one deployed copy of every branch of a Git repository
under a target root. New branches are deployed, changed branches are replaced
atomically and removed branches are deleted.

Each deployed copy can run a middleware pipeline described by a recipe file
in the repository (directory creation, Closure compilation, restarts).`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Perform a one-time deploy of all changed branches",
	Long: `Deploy lists the branches of the source repository, compares their tips
with the recorded state and deploys, replaces or removes the affected targets.

The source defaults to the current directory. The target root can be given with
--to when no configuration file is present.`,
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial deploy and then listens for GitHub push events,
triggering a deploy run for every accepted event. Bursts of events are
coalesced and at most one run executes at a time.

The listener is taken from systemd socket activation when available.`,
	RunE: runServe,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded deploy runs",
	Long:  `History prints the runs recorded in the ledger configured by paths.history_db, newest first.`,
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "branchdeployd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/branchdeployd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Deploy command flags
	deployCmd.Flags().StringVar(&sourceDir, "source", "", "source repository (default is the current directory)")
	deployCmd.Flags().StringVar(&targetRoot, "to", "", "target root directory")

	// History command flags
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show (0 shows all)")

	// Add commands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, deployOverrides)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, closeEngine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	logger.Info("starting deploy run", "source", cfg.Source.Path, "target_root", cfg.Paths.TargetRoot)
	res, err := engine.Run(ctx)
	if err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}

	printSummary(cmd.OutOrStdout(), res)
	if !res.Success() {
		return errDeployFailed
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	engine, closeEngine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	server, err := webhook.NewServer(cfg.Serve, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	l, activated, err := activation.Listen(cfg.Serve.ListenAddr, "webhook")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if activated {
		logger.Info("using socket-activated listener", "addr", l.Addr().String())
	}

	return server.Start(ctx, l)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Paths.HistoryDB == "" {
		return fmt.Errorf("paths.history_db is not configured")
	}

	store, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	runs, err := store.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	printHistory(cmd.OutOrStdout(), runs)
	return nil
}

// buildEngine wires the deploy engine and its collaborators. The returned
// function releases the run ledger.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deploy.Engine, func(), error) {
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	opts := middleware.BuiltinOptions{
		ClosureRoot: cfg.Middleware.ClosureRoot,
		Java:        cfg.Middleware.Java,
		Runner:      middleware.ExecRunner{},
		App:         cfg.Source.Name,
	}
	if cfg.Proxy.URL != "" {
		opts.Proxy = proxy.NewClient(proxy.Config{BaseURL: cfg.Proxy.URL, Timeout: cfg.Proxy.Timeout}, logger)
	}

	systemdClient := systemduser.NewClient()
	if ok, err := systemdClient.IsAvailable(ctx); ok {
		opts.Systemd = systemdClient
	} else {
		logger.Debug("systemd user instance unavailable, systemd-restarter disabled", "error", err)
	}

	registry := middleware.NewBuiltinRegistry(opts, logger)
	logger.Debug("middleware registered", "handlers", registry.Names())

	var recorder deploy.Recorder
	closeFn := func() {}
	if cfg.Paths.HistoryDB != "" {
		store, err := history.Open(cfg.Paths.HistoryDB)
		if err != nil {
			return nil, nil, err
		}
		recorder = store
		closeFn = func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close history ledger", "error", err)
			}
		}
	}

	engine := deploy.NewEngine(deploy.Options{
		Source:         cfg.Source.Path,
		TargetRoot:     cfg.Paths.TargetRoot,
		StateFile:      cfg.Paths.StateFile,
		ConfigFile:     cfg.Deploy.ConfigFile,
		RequireConfig:  cfg.Middleware.RequireConfig,
		KeepFailedTemp: cfg.Deploy.KeepFailedTemp,
	}, gitClient, registry, recorder, logger)

	return engine, closeFn, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// configPath returns the configuration file location and whether it was
// given explicitly.
func configPath() (string, bool, error) {
	if cfgFile != "" {
		return cfgFile, true, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "branchdeployd", "config.yaml"), false, nil
}

// loadConfig reads the configuration file and applies overrides before
// defaults and validation. A missing default config file is not an error,
// so deploy can run from flags alone.
func loadConfig(logger *slog.Logger, overrides func(*config.Config) error) (*config.Config, error) {
	path, explicit, err := configPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", path)

	cfg, err := config.Read(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Debug("no configuration file found, using flags only", "path", path)
		cfg = &config.Config{}
	}

	if overrides != nil {
		if err := overrides(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Source.Path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.Source.Path = wd
	}

	if err := cfg.Finish(); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.Path,
		"app", cfg.Source.Name,
		"target_root", cfg.Paths.TargetRoot,
		"state_file", cfg.Paths.StateFile,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

// deployOverrides applies the deploy command's --source and --to flags.
func deployOverrides(cfg *config.Config) error {
	if sourceDir != "" {
		cfg.Source.Path = sourceDir
	}
	if targetRoot != "" {
		abs, err := filepath.Abs(targetRoot)
		if err != nil {
			return fmt.Errorf("failed to resolve target root: %w", err)
		}
		cfg.Paths.TargetRoot = abs
	}
	return nil
}

// printSummary writes the per-branch outcome of a run.
func printSummary(w io.Writer, res *deploy.Result) {
	if len(res.Outcomes) == 0 {
		_, _ = fmt.Fprintln(w, "Nothing to deploy, all branches are up to date.")
		return
	}

	if created := res.ByAction(deploy.ActionCreated); len(created) > 0 {
		_, _ = fmt.Fprintln(w, "Created:")
		for _, o := range created {
			_, _ = fmt.Fprintf(w, "  %s (%s)\n", o.Branch, shortCommit(o.Current))
		}
	}
	if updated := res.ByAction(deploy.ActionUpdated); len(updated) > 0 {
		_, _ = fmt.Fprintln(w, "Updated:")
		for _, o := range updated {
			_, _ = fmt.Fprintf(w, "  %s (%s -> %s)\n", o.Branch, shortCommit(o.Previous), shortCommit(o.Current))
		}
	}
	if deleted := res.ByAction(deploy.ActionDeleted); len(deleted) > 0 {
		_, _ = fmt.Fprintln(w, "Deleted:")
		for _, o := range deleted {
			_, _ = fmt.Fprintf(w, "  %s\n", o.Branch)
		}
	}
	if failed := res.Failed(); len(failed) > 0 {
		_, _ = fmt.Fprintln(w, "Failed:")
		for _, o := range failed {
			_, _ = fmt.Fprintf(w, "  %s (%s at %s): %s\n", o.Branch, o.Planned, o.Stage, o.Error())
		}
	}
	if res.StateErr != nil {
		_, _ = fmt.Fprintf(w, "Warning: state was not saved: %v\n", res.StateErr)
	}
}

func printHistory(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, run := range runs {
		status := "ok"
		if !run.Success {
			status = "FAILED"
		}
		_, _ = fmt.Fprintf(w, "%s  %s  %-6s  %d branch(es)\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.ID, status, len(run.Outcomes))
		for _, o := range run.Outcomes {
			line := fmt.Sprintf("    %-8s %s", o.Action, o.Branch)
			if o.Error != "" {
				line += fmt.Sprintf(" (%s at %s): %s", o.Planned, o.Stage, o.Error)
			}
			_, _ = fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
}

// shortCommit abbreviates a commit id, rendering an absent one as EMPTY.
func shortCommit(c string) string {
	if c == "" {
		return "EMPTY"
	}
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
