package deploy

import "fmt"

// Stage is a step of the per-branch deploy state machine.
type Stage string

const (
	StageStart             Stage = "start"
	StageTempCreated       Stage = "temp_created"
	StagePulled            Stage = "pulled"
	StageSubmodulesUpdated Stage = "submodules_updated"
	StageMiddlewareRun     Stage = "middleware_run"
	StageSwapped           Stage = "swapped"
	StageCallbacksRun      Stage = "callbacks_run"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
	StageRolledBack        Stage = "rolled_back"
	StageDeleted           Stage = "deleted"
)

// StageError records the stage a branch was trying to reach when it failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RepositoryError reports a failed repository operation on a temp target.
// The live target is untouched.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// SwapError reports a failed rename while making the new version live.
type SwapError struct {
	Err error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("swap: %v", e.Err)
}

func (e *SwapError) Unwrap() error {
	return e.Err
}

// PostSwapError reports a failed after-swap task. The swap was reversed
// when RollbackErr is nil; side effects of earlier tasks are not undone.
type PostSwapError struct {
	Handler     string
	Err         error
	RollbackErr error
}

func (e *PostSwapError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("after-swap task of %s failed: %v (rollback failed: %v)", e.Handler, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("after-swap task of %s failed: %v (rolled back)", e.Handler, e.Err)
}

func (e *PostSwapError) Unwrap() error {
	return e.Err
}
