// Package config provides Viper-based configuration loading for the
// luabox runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RuntimeConfig holds module-resolution settings.
type RuntimeConfig struct {
	// Root is the project directory resolution starts from.
	Root string `mapstructure:"root"`
	// ModulesDir is the per-directory search subdirectory name.
	ModulesDir string `mapstructure:"modules_dir"`
	// AppDir is the hidden home-directory name for the resolution fallback.
	AppDir string `mapstructure:"app_dir"`
	// Entry is the script executed by the luabox binary.
	Entry string `mapstructure:"entry"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// SandboxConfig holds capability-policy settings.
type SandboxConfig struct {
	// PolicyFile is an optional YAML policy document overlaying the
	// default deny-by-default policy.
	PolicyFile string `mapstructure:"policy_file"`
	// MaxInstructions caps Lua opcodes per script execution; 0 keeps the
	// policy default.
	MaxInstructions int `mapstructure:"max_instructions"`
	// MaxExecutionTime caps wall-clock time per script execution; 0 keeps
	// the policy default.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
}

// Config is the top-level runtime configuration.
type Config struct {
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error
// describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateRuntime(c.Runtime); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSandbox(c.Sandbox); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRuntime(r RuntimeConfig) error {
	var errs []string
	if r.Root == "" {
		errs = append(errs, "runtime.root must not be empty")
	}
	if r.ModulesDir == "" {
		errs = append(errs, "runtime.modules_dir must not be empty")
	}
	if strings.ContainsRune(r.ModulesDir, '/') {
		errs = append(errs, fmt.Sprintf("runtime.modules_dir must be a single directory name, got %q", r.ModulesDir))
	}
	if r.AppDir == "" {
		errs = append(errs, "runtime.app_dir must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateSandbox(s SandboxConfig) error {
	var errs []string
	if s.MaxInstructions < 0 {
		errs = append(errs, fmt.Sprintf("sandbox.max_instructions must be >= 0, got %d", s.MaxInstructions))
	}
	if s.MaxExecutionTime < 0 {
		errs = append(errs, "sandbox.max_execution_time must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LUABOX_ prefix
	v.SetEnvPrefix("LUABOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.root", ".")
	v.SetDefault("runtime.modules_dir", "lua_modules")
	v.SetDefault("runtime.app_dir", ".luabox")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("sandbox.max_instructions", 0)
	v.SetDefault("sandbox.max_execution_time", time.Duration(0))
}
