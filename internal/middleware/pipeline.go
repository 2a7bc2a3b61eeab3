package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// PipelineOptions configures how target recipes are located.
type PipelineOptions struct {
	// ConfigFile is the recipe file name inside each target.
	ConfigFile string
	// RequireConfig makes a missing recipe a ConfigError instead of an
	// empty pipeline.
	RequireConfig bool
}

// Pipeline runs target recipes for one deploy run. Recipes are read once
// per branch and cached for the lifetime of the Pipeline, so a Pipeline
// must not outlive the run that created it.
type Pipeline struct {
	registry *Registry
	opts     PipelineOptions
	logger   *slog.Logger
	cache    map[string][]Entry
}

// NewPipeline creates a pipeline resolving handlers through registry
func NewPipeline(registry *Registry, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		opts:     opts,
		logger:   logger,
		cache:    make(map[string][]Entry),
	}
}

type step struct {
	entry   Entry
	handler Handler
}

// Run executes the recipe of the target in dir for branch. Handlers run
// sequentially in recipe order and the first failure aborts the rest. On
// success the deferred after-swap tasks are returned in registration order.
func (p *Pipeline) Run(ctx context.Context, branch, dir string) ([]Deferred, error) {
	entries, err := p.entries(branch, dir)
	if err != nil {
		return nil, err
	}

	// Resolve every applicable handler before running any of them, so an
	// unknown name fails the branch without partial side effects.
	steps := make([]step, 0, len(entries))
	for _, entry := range entries {
		if !entry.Applies(branch) {
			p.logger.Debug("skipping middleware for branch", "middleware", entry.Name, "branch", branch)
			continue
		}
		h, err := p.registry.Lookup(entry.Name)
		if err != nil {
			return nil, &ConfigError{Path: p.configPath(dir), Err: err}
		}
		steps = append(steps, step{entry: entry, handler: h})
	}

	var deferred []Deferred
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.logger.Info("running middleware", "middleware", s.entry.Name, "branch", branch)
		res, err := s.handler.Handle(ctx, Request{Branch: branch, Dir: dir, Data: s.entry.Data})
		if err != nil {
			return nil, &HandlerError{Handler: s.entry.Name, Err: err}
		}
		if task, ok := res.AfterSwap(); ok {
			p.logger.Debug("middleware deferred after-swap task", "middleware", s.entry.Name, "branch", branch)
			deferred = append(deferred, Deferred{Handler: s.entry.Name, Task: task})
		}
	}

	return deferred, nil
}

// entries returns the cached recipe for branch, reading it on first use.
func (p *Pipeline) entries(branch, dir string) ([]Entry, error) {
	if entries, ok := p.cache[branch]; ok {
		return entries, nil
	}

	path := p.configPath(dir)
	cfg, err := LoadTargetConfig(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if p.opts.RequireConfig {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("target config is missing")}
		}
		p.logger.Info("no target config, skipping middleware", "branch", branch, "path", path)
		cfg = &TargetConfig{}
	case err != nil:
		return nil, &ConfigError{Path: path, Err: err}
	}

	p.cache[branch] = cfg.Middleware
	return cfg.Middleware, nil
}

func (p *Pipeline) configPath(dir string) string {
	return filepath.Join(dir, p.opts.ConfigFile)
}
