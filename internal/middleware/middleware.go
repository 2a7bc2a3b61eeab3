// Package middleware implements the per-target post-update pipeline.
//
// Each target carries its own recipe in a JSON config file at the root of
// its work tree. The recipe lists named handlers that run strictly in order
// against the not-yet-live directory. A handler either finishes its work
// immediately or defers a Task that the deployer runs only after the new
// version has been swapped live; a failing deferred Task still rolls the
// swap back.
package middleware

import (
	"context"
	"encoding/json"
)

// Task is deferred work that runs after the target has been swapped live.
type Task func(ctx context.Context) error

// Request is the input a handler receives for one target.
type Request struct {
	// Branch is the branch (version) being deployed.
	Branch string
	// Dir is the target directory under construction.
	Dir string
	// Data is the raw "data" value of the config entry, nil when absent.
	Data json.RawMessage
}

// Result is what a handler returns on success: either Done or Defer(task).
type Result struct {
	afterSwap Task
}

// Done reports that the handler finished all of its work.
func Done() Result {
	return Result{}
}

// Defer reports success and registers task to run after the swap.
func Defer(task Task) Result {
	return Result{afterSwap: task}
}

// AfterSwap returns the deferred task, if any.
func (r Result) AfterSwap() (Task, bool) {
	return r.afterSwap, r.afterSwap != nil
}

// Handler is one named pipeline step.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Deferred is an after-swap task tagged with the handler that registered it.
type Deferred struct {
	Handler string
	Task    Task
}
