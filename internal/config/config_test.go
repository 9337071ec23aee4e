package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luabox/luabox/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "luabox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
runtime:
  root: /srv/project
  modules_dir: lua_modules
  app_dir: .luabox
  entry: main.lua
logging:
  level: debug
  format: console
sandbox:
  policy_file: /etc/luabox/policy.yaml
  max_instructions: 50000
  max_execution_time: 10s
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/project", cfg.Runtime.Root)
	assert.Equal(t, "main.lua", cfg.Runtime.Entry)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "/etc/luabox/policy.yaml", cfg.Sandbox.PolicyFile)
	assert.Equal(t, 50000, cfg.Sandbox.MaxInstructions)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.MaxExecutionTime)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
runtime:
  root: /srv/project
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lua_modules", cfg.Runtime.ModulesDir)
	assert.Equal(t, ".luabox", cfg.Runtime.AppDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Zero(t, cfg.Sandbox.MaxInstructions)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	cfg := config.Config{
		Runtime: config.RuntimeConfig{Root: "", ModulesDir: "", AppDir: ""},
		Logging: config.LoggingConfig{Level: "trace", Format: "xml"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime.root")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_ModulesDirMustBeSingleName(t *testing.T) {
	cfg := config.Config{
		Runtime: config.RuntimeConfig{Root: "/x", ModulesDir: "nested/dir", AppDir: ".luabox"},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modules_dir")
}

func TestValidate_NegativeSandboxLimits(t *testing.T) {
	cfg := config.Config{
		Runtime: config.RuntimeConfig{Root: "/x", ModulesDir: "lua_modules", AppDir: ".luabox"},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
		Sandbox: config.SandboxConfig{MaxInstructions: -1},
	}
	assert.Error(t, cfg.Validate())
}
