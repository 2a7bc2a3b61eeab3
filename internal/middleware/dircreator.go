package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DirectoryCreator creates empty directories inside the target. Its data
// is a list of paths relative to the target root; existing paths are left
// alone.
type DirectoryCreator struct {
	logger *slog.Logger
}

func NewDirectoryCreator(logger *slog.Logger) *DirectoryCreator {
	return &DirectoryCreator{logger: logger}
}

func (d *DirectoryCreator) Handle(_ context.Context, req Request) (Result, error) {
	if len(req.Data) == 0 {
		return Done(), nil
	}

	var paths []string
	if err := json.Unmarshal(req.Data, &paths); err != nil {
		return Result{}, fmt.Errorf("directory creator expects a list of paths: %w", err)
	}

	for _, rel := range paths {
		path, err := resolveWithin(req.Dir, rel)
		if err != nil {
			return Result{}, err
		}
		if err := os.MkdirAll(path, 0775); err != nil {
			return Result{}, fmt.Errorf("failed to create %s: %w", rel, err)
		}
		d.logger.Debug("directory ensured", "branch", req.Branch, "path", rel)
	}

	return Done(), nil
}

// resolveWithin joins rel onto root and rejects results outside root.
func resolveWithin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the target", rel)
	}
	path := filepath.Join(root, rel)
	r, err := filepath.Rel(root, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the target", rel)
	}
	return path, nil
}
