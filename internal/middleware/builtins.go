package middleware

import "log/slog"

// Built-in handler names as they appear in target recipes.
const (
	DirectoryCreatorName = "directory-creator"
	CompilerName         = "closure-compiler"
	RestarterName        = "restarter"
	SystemdRestarterName = "systemd-restarter"
)

// BuiltinOptions wires the external collaborators of the built-in handlers.
type BuiltinOptions struct {
	ClosureRoot string
	Java        string
	Runner      CommandRunner
	Proxy       ProxyClient
	App         string
	Systemd     Systemd
}

// NewBuiltinRegistry returns a registry holding every built-in handler.
// The systemd restarter is only registered when a client is supplied.
func NewBuiltinRegistry(opts BuiltinOptions, logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(DirectoryCreatorName, NewDirectoryCreator(logger))
	r.Register(CompilerName, NewCompiler(opts.ClosureRoot, opts.Java, opts.Runner, logger))
	r.Register(RestarterName, NewRestarter(opts.Proxy, opts.App, logger))
	if opts.Systemd != nil {
		r.Register(SystemdRestarterName, NewSystemdRestarter(opts.Systemd, logger))
	}
	return r
}
