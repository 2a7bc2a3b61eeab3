package webhook

import (
	"time"

	"github.com/schaermu/branchdeployd/internal/deploy"
)

// StatusResponse is served on GET /status.
type StatusResponse struct {
	Running bool       `json:"running"`
	Pending bool       `json:"pending"`
	LastRun *runStatus `json:"last_run"`
}

type runStatus struct {
	RunID      string          `json:"run_id,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Success    bool            `json:"success"`
	StateSaved bool            `json:"state_saved"`
	Error      string          `json:"error,omitempty"`
	Outcomes   []outcomeStatus `json:"outcomes,omitempty"`
}

type outcomeStatus struct {
	deploy.Outcome
	Error string `json:"error,omitempty"`
}

func newRunStatus(res *deploy.Result, err error) *runStatus {
	if err != nil {
		return &runStatus{Error: err.Error(), FinishedAt: time.Now()}
	}

	st := &runStatus{
		RunID:      res.RunID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Success:    res.Success(),
		StateSaved: res.StateSaved,
	}
	if res.StateErr != nil {
		st.Error = "state not saved: " + res.StateErr.Error()
	}
	for _, o := range res.Outcomes {
		st.Outcomes = append(st.Outcomes, outcomeStatus{Outcome: o, Error: o.Error()})
	}
	return st
}

// Status reports whether a run is in progress or queued, plus the result
// of the last completed run.
func (s *Server) Status() StatusResponse {
	var st StatusResponse

	s.pendingMu.Lock()
	st.Running = s.running
	st.Pending = s.pending
	s.pendingMu.Unlock()

	s.statusMu.RLock()
	st.LastRun = s.last
	s.statusMu.RUnlock()

	return st
}
