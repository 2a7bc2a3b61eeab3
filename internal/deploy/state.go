package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// BranchState maps branch name to the commit id it points at.
type BranchState map[string]string

// Clone returns an independent copy of s.
func (s BranchState) Clone() BranchState {
	c := make(BranchState, len(s))
	for branch, commit := range s {
		c[branch] = commit
	}
	return c
}

// StateStore persists the BranchState of the last successful deployment.
type StateStore struct {
	path   string
	logger *slog.Logger
}

// NewStateStore creates a store backed by the file at path
func NewStateStore(path string, logger *slog.Logger) *StateStore {
	return &StateStore{path: path, logger: logger}
}

// Path returns the state file location.
func (s *StateStore) Path() string {
	return s.path
}

// Load reads the persisted state. A missing or unreadable file yields an
// empty state: the next diff then treats every branch as new.
func (s *StateStore) Load() BranchState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read branch state, starting from empty state", "path", s.path, "error", err)
		}
		return BranchState{}
	}

	var state BranchState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("corrupt branch state, starting from empty state", "path", s.path, "error", err)
		return BranchState{}
	}
	if state == nil {
		state = BranchState{}
	}
	return state
}

// Save overwrites the state file. Keys are written sorted so identical
// states produce identical files.
func (s *StateStore) Save(state BranchState) error {
	if state == nil {
		state = BranchState{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeFileAtomic(s.path, data, 0644)
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".branchdeployd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
