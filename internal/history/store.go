// Package history keeps a SQLite ledger of deploy runs and the outcome of
// every branch they touched.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/schaermu/branchdeployd/internal/deploy"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeLayout is fixed width so stored timestamps sort as text in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is a recorded deploy run.
type Run struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Source     string          `json:"source"`
	TargetRoot string          `json:"target_root"`
	Success    bool            `json:"success"`
	StateSaved bool            `json:"state_saved"`
	Outcomes   []BranchOutcome `json:"outcomes"`
}

// BranchOutcome is the recorded outcome of one branch in a run.
type BranchOutcome struct {
	Branch   string `json:"branch"`
	Action   string `json:"action"`
	Planned  string `json:"planned"`
	Stage    string `json:"stage"`
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Store is a SQLite-backed run ledger.
type Store struct{ db *sql.DB }

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores res and its outcomes in one transaction.
func (s *Store) RecordRun(ctx context.Context, res *deploy.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, source, target_root, success, state_saved)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.RunID,
		res.StartedAt.UTC().Format(timeLayout),
		res.FinishedAt.UTC().Format(timeLayout),
		res.Source,
		res.TargetRoot,
		res.Success(),
		res.StateSaved,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, o := range res.Outcomes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO branch_outcomes (run_id, seq, branch, action, planned, stage, previous_commit, current_commit, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, o.Branch, string(o.Action), string(o.Planned), string(o.Stage), o.Previous, o.Current, o.Error(),
		)
		if err != nil {
			return fmt.Errorf("insert outcome for %s: %w", o.Branch, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns up to limit runs, newest first, with their outcomes.
// A limit of zero or less returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, source, target_root, success, state_saved
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Source, &r.TargetRoot, &r.Success, &r.StateSaved); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range runs {
		outcomes, err := s.outcomes(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Outcomes = outcomes
	}
	return runs, nil
}

func (s *Store) outcomes(ctx context.Context, runID string) ([]BranchOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT branch, action, planned, stage, previous_commit, current_commit, error
		 FROM branch_outcomes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []BranchOutcome
	for rows.Next() {
		var o BranchOutcome
		if err := rows.Scan(&o.Branch, &o.Action, &o.Planned, &o.Stage, &o.Previous, &o.Current, &o.Error); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
