package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/branchdeployd/internal/git"
	"github.com/schaermu/branchdeployd/internal/middleware"
)

// Options configures an Engine.
type Options struct {
	// Source is the repository branches are read from.
	Source string
	// TargetRoot is the directory holding one target per branch.
	TargetRoot string
	// StateFile is the state file path, relative paths are resolved
	// against TargetRoot.
	StateFile string
	// ConfigFile is the per-target recipe file name.
	ConfigFile string
	// RequireConfig fails targets without a recipe.
	RequireConfig bool
	// KeepFailedTemp keeps failed temp targets for inspection.
	KeepFailedTemp bool
}

// Recorder receives the result of every completed run.
type Recorder interface {
	RecordRun(ctx context.Context, res *Result) error
}

// Engine orchestrates deploy runs
type Engine struct {
	opts     Options
	gateway  git.Gateway
	registry *middleware.Registry
	recorder Recorder
	logger   *slog.Logger
}

// NewEngine creates a new deploy engine. recorder may be nil.
func NewEngine(opts Options, gateway git.Gateway, registry *middleware.Registry, recorder Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		opts:     opts,
		gateway:  gateway,
		registry: registry,
		recorder: recorder,
		logger:   logger,
	}
}

// StatePath returns the resolved state file location.
func (e *Engine) StatePath() string {
	if filepath.IsAbs(e.opts.StateFile) {
		return e.opts.StateFile
	}
	return filepath.Join(e.opts.TargetRoot, e.opts.StateFile)
}

// Run executes one deploy run: it diffs the source branches against the
// last recorded state, creates, updates and deletes targets, and saves the
// new state. Branch failures are reported on the Result; an error is only
// returned when the run could not start.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:      uuid.NewString(),
		Source:     e.opts.Source,
		TargetRoot: e.opts.TargetRoot,
		StartedAt:  time.Now(),
	}
	logger := e.logger.With("run_id", res.RunID)

	logger.Info("starting deploy", "source", e.opts.Source, "target_root", e.opts.TargetRoot)

	info, err := os.Stat(e.opts.TargetRoot)
	if err != nil {
		return nil, fmt.Errorf("target root unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("target root %s is not a directory", e.opts.TargetRoot)
	}

	manager := NewManager(e.gateway, e.opts.Source, NewLayout(e.opts.TargetRoot), e.opts.KeepFailedTemp, logger)
	if err := manager.Recover(); err != nil {
		return nil, fmt.Errorf("failed to recover targets: %w", err)
	}

	tips, err := e.gateway.ListBranchTips(ctx, e.opts.Source)
	if err != nil {
		return nil, &RepositoryError{Op: "list branches", Err: err}
	}
	current := BranchState(tips)

	store := NewStateStore(e.StatePath(), logger)
	previous := store.Load()

	changes := Diff(current, previous)
	logger.Info("deploy plan",
		"created", len(changes.Created),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted))

	if !changes.Empty() {
		next := e.apply(ctx, logger, manager, changes, current, previous, res)

		if err := store.Save(next); err != nil {
			logger.Error("failed to save branch state", "path", store.Path(), "error", err)
			res.StateErr = err
		} else {
			res.StateSaved = true
		}
	} else {
		logger.Info("all targets up to date")
	}

	res.FinishedAt = time.Now()
	e.record(ctx, logger, res)

	if res.Success() {
		logger.Info("deploy completed successfully")
	} else {
		logger.Warn("deploy completed with failures", "failed", len(res.Failed()))
	}
	return res, nil
}

// apply processes created, updated and deleted branches in that order and
// returns the state to persist. Failed branches keep their previous entry
// so the next run retries them.
func (e *Engine) apply(ctx context.Context, logger *slog.Logger, manager *Manager, changes ChangeSet, current, previous BranchState, res *Result) BranchState {
	pipeline := middleware.NewPipeline(e.registry, middleware.PipelineOptions{
		ConfigFile:    e.opts.ConfigFile,
		RequireConfig: e.opts.RequireConfig,
	}, logger)

	next := current.Clone()

	for _, branch := range changes.Created {
		o := Outcome{Branch: branch, Planned: ActionCreated, Current: current[branch]}
		e.finish(logger, &o, e.deploy(ctx, manager, pipeline, branch))
		if o.Err != nil {
			delete(next, branch)
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	for _, u := range changes.Updated {
		o := Outcome{Branch: u.Branch, Planned: ActionUpdated, Previous: u.Previous, Current: u.Current}
		e.finish(logger, &o, e.deploy(ctx, manager, pipeline, u.Branch))
		if o.Err != nil {
			next[u.Branch] = u.Previous
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	for _, branch := range changes.Deleted {
		o := Outcome{Branch: branch, Planned: ActionDeleted, Previous: previous[branch]}
		err := ctx.Err()
		if err == nil {
			err = manager.Delete(ctx, branch)
		}
		e.finish(logger, &o, err)
		if o.Err != nil {
			next[branch] = previous[branch]
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	return next
}

func (e *Engine) deploy(ctx context.Context, manager *Manager, pipeline Pipeline, branch string) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: StageStart, Err: err}
	}
	return manager.Deploy(ctx, pipeline, branch)
}

// finish fills in the result fields of o from err and logs the outcome.
func (e *Engine) finish(logger *slog.Logger, o *Outcome, err error) {
	if err == nil {
		o.Action = o.Planned
		o.Stage = StageDone
		if o.Planned == ActionDeleted {
			o.Stage = StageDeleted
		}
		logger.Info("target "+string(o.Action), "branch", o.Branch, "previous", o.Previous, "current", o.Current)
		return
	}

	o.Action = ActionFailed
	o.Err = err
	o.Stage = StageFailed
	var se *StageError
	if errors.As(err, &se) {
		o.Stage = se.Stage
	}
	logger.Error("target failed", "branch", o.Branch, "action", o.Planned, "stage", o.Stage, "error", err)
}

// record hands res to the recorder. History problems never fail a run.
func (e *Engine) record(ctx context.Context, logger *slog.Logger, res *Result) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordRun(context.WithoutCancel(ctx), res); err != nil {
		logger.Warn("failed to record run history", "error", err)
	}
}
