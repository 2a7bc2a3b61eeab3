package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/branchdeployd/internal/git"
	"github.com/schaermu/branchdeployd/internal/middleware"
)

// remoteName is the remote every temp target pulls from.
const remoteName = "origin"

// Pipeline runs the middleware recipe of a target under construction.
type Pipeline interface {
	Run(ctx context.Context, branch, dir string) ([]middleware.Deferred, error)
}

// Manager drives the deploy state machine of single branches:
//
//	start -> temp_created -> pulled -> submodules_updated -> middleware_run
//	      -> swapped -> callbacks_run -> done
//
// Any step may fail; a failed after-swap task reverses the swap. Failures
// never leave a temp target behind and never touch the live target before
// the swap.
type Manager struct {
	gateway        git.Gateway
	source         string
	layout         Layout
	keepFailedTemp bool
	logger         *slog.Logger
}

// NewManager creates a lifecycle manager deploying from source into layout
func NewManager(gateway git.Gateway, source string, layout Layout, keepFailedTemp bool, logger *slog.Logger) *Manager {
	return &Manager{
		gateway:        gateway,
		source:         source,
		layout:         layout,
		keepFailedTemp: keepFailedTemp,
		logger:         logger,
	}
}

// Deploy builds branch in a temp target, runs its pipeline and swaps it
// live. The returned error is a *StageError naming the failed stage.
func (m *Manager) Deploy(ctx context.Context, pipeline Pipeline, branch string) error {
	logger := m.logger.With("branch", branch)
	temp := m.layout.Path(branch, Temp)

	if err := m.createTemp(ctx, temp); err != nil {
		m.discardTemp(logger, branch)
		return &StageError{Stage: StageTempCreated, Err: err}
	}
	logger.Debug("temp target created", "path", temp)

	progress := newProgressWriter(logger)
	err := m.gateway.Pull(ctx, temp, remoteName, branch, progress)
	progress.Flush()
	if err != nil {
		m.discardTemp(logger, branch)
		return &StageError{Stage: StagePulled, Err: &RepositoryError{Op: "pull", Err: err}}
	}

	err = m.gateway.UpdateSubmodules(ctx, temp, progress)
	progress.Flush()
	if err != nil {
		m.discardTemp(logger, branch)
		return &StageError{Stage: StageSubmodulesUpdated, Err: &RepositoryError{Op: "submodule update", Err: err}}
	}

	deferred, err := pipeline.Run(ctx, branch, temp)
	if err != nil {
		m.discardTemp(logger, branch)
		return &StageError{Stage: StageMiddlewareRun, Err: err}
	}

	hadLive, err := m.swap(branch)
	if err != nil {
		m.discardTemp(logger, branch)
		return &StageError{Stage: StageSwapped, Err: &SwapError{Err: err}}
	}
	logger.Info("target swapped live", "path", m.layout.Path(branch, Live), "replaced_previous", hadLive)

	if err := m.runDeferred(ctx, logger, branch, hadLive, deferred); err != nil {
		stage := StageRolledBack
		if err.RollbackErr != nil {
			stage = StageCallbacksRun
		}
		return &StageError{Stage: stage, Err: err}
	}

	// The new version is confirmed; the previous one is no longer needed.
	if err := os.RemoveAll(m.layout.Path(branch, Rollback)); err != nil {
		logger.Warn("failed to remove previous version", "path", m.layout.Path(branch, Rollback), "error", err)
	}
	return nil
}

// Delete removes every target of branch. The live target is first renamed
// away so that it disappears at once rather than file by file.
func (m *Manager) Delete(_ context.Context, branch string) error {
	live := m.layout.Path(branch, Live)
	rollback := m.layout.Path(branch, Rollback)

	ok, err := exists(live)
	if err != nil {
		return &StageError{Stage: StageDeleted, Err: err}
	}
	if ok {
		if err := replaceDir(live, rollback); err != nil {
			return &StageError{Stage: StageDeleted, Err: fmt.Errorf("failed to retire live target: %w", err)}
		}
	}

	for _, id := range []Identity{Rollback, Temp, Failed} {
		if err := os.RemoveAll(m.layout.Path(branch, id)); err != nil {
			return &StageError{Stage: StageDeleted, Err: fmt.Errorf("failed to remove %s target: %w", id, err)}
		}
	}
	return nil
}

// Recover repairs targets left behind by an interrupted run. A rollback
// target without a live counterpart is the last good version and is moved
// back live; every other temp or rollback leftover is removed.
func (m *Manager) Recover() error {
	rollbackDir := filepath.Join(m.layout.Root(), workDirName, Rollback.String())
	entries, err := os.ReadDir(rollbackDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to scan rollback targets: %w", err)
	}
	for _, e := range entries {
		rollback := filepath.Join(rollbackDir, e.Name())
		live := filepath.Join(m.layout.Root(), e.Name())

		ok, err := exists(live)
		if err != nil {
			return err
		}
		if ok {
			m.logger.Warn("removing leftover previous version", "path", rollback)
			if err := os.RemoveAll(rollback); err != nil {
				return fmt.Errorf("failed to remove %s: %w", rollback, err)
			}
			continue
		}

		m.logger.Warn("restoring previous version after interrupted swap", "path", live)
		if err := os.Rename(rollback, live); err != nil {
			return fmt.Errorf("failed to restore %s: %w", live, err)
		}
	}

	tempDir := filepath.Join(m.layout.Root(), workDirName, Temp.String())
	entries, err = os.ReadDir(tempDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to scan temp targets: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(tempDir, e.Name())
		m.logger.Warn("removing leftover temp target", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// createTemp prepares an empty repository tracking the source as origin.
func (m *Manager) createTemp(ctx context.Context, temp string) error {
	if err := os.RemoveAll(temp); err != nil {
		return fmt.Errorf("failed to clear stale temp target: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(temp), 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := m.gateway.Init(ctx, temp); err != nil {
		return &RepositoryError{Op: "init", Err: err}
	}
	if err := m.gateway.AddRemote(ctx, temp, remoteName, m.source); err != nil {
		return &RepositoryError{Op: "add remote", Err: err}
	}
	return nil
}

// swap makes the temp target live, keeping the old live target as the
// rollback target. It reports whether there was a previous live target.
func (m *Manager) swap(branch string) (bool, error) {
	live := m.layout.Path(branch, Live)
	temp := m.layout.Path(branch, Temp)
	rollback := m.layout.Path(branch, Rollback)

	hadLive, err := exists(live)
	if err != nil {
		return false, err
	}
	if hadLive {
		if err := replaceDir(live, rollback); err != nil {
			return false, fmt.Errorf("failed to move live target aside: %w", err)
		}
	}

	if err := os.Rename(temp, live); err != nil {
		if hadLive {
			if rerr := os.Rename(rollback, live); rerr != nil {
				return false, errors.Join(err, fmt.Errorf("failed to restore previous version: %w", rerr))
			}
		}
		return false, fmt.Errorf("failed to move temp target live: %w", err)
	}
	return hadLive, nil
}

// runDeferred runs the after-swap tasks in order. On the first failure the
// swap is reversed.
func (m *Manager) runDeferred(ctx context.Context, logger *slog.Logger, branch string, hadLive bool, deferred []middleware.Deferred) *PostSwapError {
	for i, d := range deferred {
		err := d.Task(ctx)
		if err == nil {
			continue
		}

		perr := &PostSwapError{Handler: d.Handler, Err: err}
		perr.RollbackErr = m.unswap(logger, branch, hadLive)
		if perr.RollbackErr != nil {
			logger.Error("after-swap task failed and the swap could not be reversed; the new version stays live",
				"middleware", d.Handler, "error", err, "rollback_error", perr.RollbackErr)
		} else {
			logger.Info("after-swap task failed, previous version restored", "middleware", d.Handler, "error", err)
		}
		logger.Warn("external side effects of after-swap tasks are not rolled back and may need manual attention",
			"middleware", d.Handler, "tasks_run", i+1, "tasks_total", len(deferred))
		return perr
	}
	return nil
}

// unswap reverses swap: the new version goes back to the temp identity,
// the previous version (if any) back live, and the temp target is discarded.
func (m *Manager) unswap(logger *slog.Logger, branch string, hadLive bool) error {
	live := m.layout.Path(branch, Live)
	temp := m.layout.Path(branch, Temp)
	rollback := m.layout.Path(branch, Rollback)

	if err := os.Rename(live, temp); err != nil {
		return fmt.Errorf("failed to move new version aside: %w", err)
	}
	if hadLive {
		if err := os.Rename(rollback, live); err != nil {
			return fmt.Errorf("failed to restore previous version: %w", err)
		}
	}
	m.discardTemp(logger, branch)
	return nil
}

// discardTemp removes the temp target of branch, or keeps it as the failed
// target when configured to.
func (m *Manager) discardTemp(logger *slog.Logger, branch string) {
	temp := m.layout.Path(branch, Temp)
	ok, err := exists(temp)
	if err != nil || !ok {
		return
	}

	if m.keepFailedTemp {
		failed := m.layout.Path(branch, Failed)
		if err := replaceDir(temp, failed); err == nil {
			logger.Info("failed target kept for inspection", "path", failed)
			return
		}
	}
	if err := os.RemoveAll(temp); err != nil {
		logger.Warn("failed to remove temp target", "path", temp, "error", err)
	}
}
