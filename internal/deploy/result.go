package deploy

import "time"

// Action is what a run did to a branch.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
	ActionFailed  Action = "failed"
)

// Outcome is the per-branch result of a run. A failed branch has Action
// ActionFailed, Planned naming what was attempted, and Err set.
type Outcome struct {
	Branch   string `json:"branch"`
	Action   Action `json:"action"`
	Planned  Action `json:"planned"`
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`
	Stage    Stage  `json:"stage"`
	Err      error  `json:"-"`
}

// Error returns the failure reason, or "" for a successful outcome.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Result aggregates the outcomes of one run.
type Result struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	TargetRoot string    `json:"target_root"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
	StateSaved bool      `json:"state_saved"`
	StateErr   error     `json:"-"`
}

// Success reports whether no branch failed.
func (r *Result) Success() bool {
	return len(r.Failed()) == 0
}

// Failed returns the failed outcomes in processing order.
func (r *Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Action == ActionFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// ByAction returns the outcomes whose Action is a.
func (r *Result) ByAction(a Action) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Action == a {
			out = append(out, o)
		}
	}
	return out
}
