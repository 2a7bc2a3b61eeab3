package middleware

import "fmt"

// ConfigError reports a missing or invalid target recipe, or a recipe
// naming a handler that is not registered.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("middleware config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// HandlerError reports a failure returned by a handler.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("middleware %s failed: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
