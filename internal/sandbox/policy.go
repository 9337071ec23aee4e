// Package sandbox applies a capability policy to GopherLua states before
// untrusted code runs. Enforcement is fail-closed: anything not explicitly
// allowed is denied, denials win on conflict, and every denial is recorded
// to the violation log before the error is returned.
package sandbox

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FilePolicy governs what file-capable builtins may do. DeniedPaths wins
// over AllowedPaths; a non-empty AllowedPaths confines all access to those
// prefixes.
type FilePolicy struct {
	Read         bool     `yaml:"read" mapstructure:"read"`
	Write        bool     `yaml:"write" mapstructure:"write"`
	Append       bool     `yaml:"append" mapstructure:"append"`
	AllowedPaths []string `yaml:"allowed_paths" mapstructure:"allowed_paths"`
	DeniedPaths  []string `yaml:"denied_paths" mapstructure:"denied_paths"`
	MaxFileSize  int64    `yaml:"max_file_size" mapstructure:"max_file_size"`
}

// OSPolicy selects which members of the os library survive sandboxing.
// Allowed members are rebuilt Go-side; process execution never is.
type OSPolicy struct {
	Clock   bool `yaml:"clock" mapstructure:"clock"`
	Date    bool `yaml:"date" mapstructure:"date"`
	Time    bool `yaml:"time" mapstructure:"time"`
	Tmpname bool `yaml:"tmpname" mapstructure:"tmpname"`
	Getenv  bool `yaml:"getenv" mapstructure:"getenv"`
	Setenv  bool `yaml:"setenv" mapstructure:"setenv"`
}

// EnvPolicy governs environment-variable access. Sensitive variables
// (credential-looking names) need their own grants on top of the general
// read/write grants.
type EnvPolicy struct {
	AllowRead           bool     `yaml:"allow_read" mapstructure:"allow_read"`
	AllowWrite          bool     `yaml:"allow_write" mapstructure:"allow_write"`
	AllowSensitiveRead  bool     `yaml:"allow_sensitive_read" mapstructure:"allow_sensitive_read"`
	AllowSensitiveWrite bool     `yaml:"allow_sensitive_write" mapstructure:"allow_sensitive_write"`
	AllowedVars         []string `yaml:"allowed_vars" mapstructure:"allowed_vars"`
	DeniedVars          []string `yaml:"denied_vars" mapstructure:"denied_vars"`
}

// Limits carries resource ceilings. Instruction and execution-time ceilings
// are enforced by the scripting engine's counting context; the memory
// ceiling is configuration only because GopherLua exposes no allocation
// hook.
type Limits struct {
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes" mapstructure:"max_memory_bytes"`
	MaxInstructions  int           `yaml:"max_instructions" mapstructure:"max_instructions"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" mapstructure:"max_execution_time"`
}

// Policy is the declarative capability configuration for one runtime
// instance. It is immutable once handed to a Manager.
type Policy struct {
	AllowedModules   []string  `yaml:"allowed_modules" mapstructure:"allowed_modules"`
	DeniedModules    []string  `yaml:"denied_modules" mapstructure:"denied_modules"`
	AllowedFunctions []string  `yaml:"allowed_functions" mapstructure:"allowed_functions"`
	DeniedFunctions  []string  `yaml:"denied_functions" mapstructure:"denied_functions"`
	File             FilePolicy `yaml:"file" mapstructure:"file"`
	OS               OSPolicy   `yaml:"os" mapstructure:"os"`
	Env              EnvPolicy  `yaml:"env" mapstructure:"env"`
	Limits           Limits     `yaml:"limits" mapstructure:"limits"`
}

// DefaultPolicy returns the deny-by-default policy: pure data libraries
// stay, everything with host-capability surface goes.
func DefaultPolicy() Policy {
	return Policy{
		AllowedModules: []string{"string", "table", "math", "coroutine"},
		DeniedModules:  []string{"io", "os", "debug", "package", "channel"},
		DeniedFunctions: []string{
			"load", "loadstring", "dofile", "loadfile", "require",
			"rawset", "rawget", "rawequal",
			"setmetatable", "getmetatable",
			"collectgarbage", "module",
		},
		File: FilePolicy{
			MaxFileSize: 10 << 20,
		},
		Limits: Limits{
			MaxInstructions:  1_000_000,
			MaxExecutionTime: 30 * time.Second,
		},
	}
}

// ModuleAllowed reports whether name is in the allow-set.
func (p Policy) ModuleAllowed(name string) bool {
	return contains(p.AllowedModules, name)
}

// ModuleDenied reports whether name is in the deny-set.
func (p Policy) ModuleDenied(name string) bool {
	return contains(p.DeniedModules, name)
}

// FunctionAllowed reports whether name is in the explicit function
// allow-set.
func (p Policy) FunctionAllowed(name string) bool {
	return contains(p.AllowedFunctions, name)
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

// Validate checks policy invariants.
//
// Postcondition: Returns nil if the policy is internally consistent.
func (p Policy) Validate() error {
	for _, name := range p.AllowedModules {
		if contains(p.DeniedModules, name) {
			return fmt.Errorf("sandbox: module %q is both allowed and denied; deny wins, listing both is a configuration error", name)
		}
	}
	if p.File.MaxFileSize < 0 {
		return fmt.Errorf("sandbox: file.max_file_size must be >= 0, got %d", p.File.MaxFileSize)
	}
	if p.Limits.MaxInstructions < 0 {
		return fmt.Errorf("sandbox: limits.max_instructions must be >= 0, got %d", p.Limits.MaxInstructions)
	}
	if p.Limits.MaxExecutionTime < 0 {
		return fmt.Errorf("sandbox: limits.max_execution_time must not be negative")
	}
	return nil
}

// FromFile loads a policy from a YAML document, overlaying the defaults.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns a validated Policy or a non-nil error.
func FromFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("sandbox: reading policy file: %w", err)
	}
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("sandbox: parsing policy file %q: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}
