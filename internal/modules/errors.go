package modules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyModuleID is returned for a blank module identifier before any
// filesystem probing happens.
var ErrEmptyModuleID = errors.New("modules: module identifier must not be empty")

// NotFoundError is returned when resolution exhausts every search location.
type NotFoundError struct {
	Module string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("modules: module %q not found", e.Module)
}

// CircularDependencyError reports a require cycle. Chain holds the in-flight
// identifiers in load order followed by the repeated identifier.
type CircularDependencyError struct {
	Chain []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("modules: circular dependency: %s", strings.Join(e.Chain, " -> "))
}

// LoadError wraps a failure to execute a module's source.
type LoadError struct {
	Module string
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("modules: loading %q from %q: %v", e.Module, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
