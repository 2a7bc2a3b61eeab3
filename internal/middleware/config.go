package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

// TargetConfig is the per-target recipe file.
type TargetConfig struct {
	Middleware []Entry `json:"middleware"`
}

// Entry is one configured pipeline step. In the file it is either a bare
// handler name or an object with name, data and optional branch filters.
type Entry struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
	Version  string          `json:"version,omitempty"`
	Versions []string        `json:"versions,omitempty"`
}

// UnmarshalJSON accepts both "name" and {"name": ..., "data": ...}.
func (e *Entry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*e = Entry{Name: name}
	} else {
		type entry Entry
		var raw entry
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		*e = Entry(raw)
	}

	if e.Name == "" {
		return errors.New("middleware entry without a name")
	}
	if bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		e.Data = nil
	}
	return nil
}

// Applies reports whether the entry runs for branch. Entries without a
// version filter apply to every branch.
func (e Entry) Applies(branch string) bool {
	if e.Version == "" && len(e.Versions) == 0 {
		return true
	}
	return e.Version == branch || slices.Contains(e.Versions, branch)
}

// LoadTargetConfig reads the recipe at path. A missing file yields an
// error satisfying errors.Is(err, os.ErrNotExist).
func LoadTargetConfig(path string) (*TargetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg TargetConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse target config: %w", err)
	}
	return &cfg, nil
}
