package sandbox

import (
	"os"
	"strings"
	"sync"
)

// EnvAccessor abstracts environment-variable access so policy decisions are
// testable without mutating the real process environment.
type EnvAccessor interface {
	Get(name string) (string, bool)
	Set(name, value string) error
}

// OSEnv reads and writes the real process environment.
type OSEnv struct{}

func (OSEnv) Get(name string) (string, bool) { return os.LookupEnv(name) }
func (OSEnv) Set(name, value string) error   { return os.Setenv(name, value) }

// MapEnv is an in-memory EnvAccessor for tests and hermetic hosts.
type MapEnv struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewMapEnv creates a MapEnv seeded with vars. vars may be nil.
func NewMapEnv(vars map[string]string) *MapEnv {
	m := &MapEnv{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		m.vars[k] = v
	}
	return m
}

func (m *MapEnv) Get(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	return v, ok
}

func (m *MapEnv) Set(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[name] = value
	return nil
}

// sensitiveMarkers are substrings that mark a variable name as
// credential-bearing. Matching is case-insensitive.
var sensitiveMarkers = []string{"SECRET", "TOKEN", "PASSWORD", "KEY", "CREDENTIAL"}

// isSensitiveVar reports whether name looks credential-bearing.
func isSensitiveVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// envReadAllowed applies the EnvPolicy to a read of name. Deny wins on any
// ambiguity.
func envReadAllowed(p EnvPolicy, name string) bool {
	if contains(p.DeniedVars, name) {
		return false
	}
	if contains(p.AllowedVars, name) {
		return true
	}
	if !p.AllowRead {
		return false
	}
	if isSensitiveVar(name) && !p.AllowSensitiveRead {
		return false
	}
	return true
}

// envWriteAllowed applies the EnvPolicy to a write of name.
func envWriteAllowed(p EnvPolicy, name string) bool {
	if contains(p.DeniedVars, name) {
		return false
	}
	if !p.AllowWrite {
		return false
	}
	if isSensitiveVar(name) && !p.AllowSensitiveWrite {
		return false
	}
	return true
}
