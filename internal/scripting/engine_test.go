package scripting_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/luabox/luabox/internal/sandbox"
	"github.com/luabox/luabox/internal/scripting"
)

func newEngine(t *testing.T, root string, policy *sandbox.Policy) *scripting.Engine {
	t.Helper()
	engine, err := scripting.New(scripting.Options{
		Root:   root,
		Policy: policy,
		Env:    sandbox.NewMapEnv(nil),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return engine
}

func writeFixture(t *testing.T, root, rel, body string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNew_RequiresRootAndLogger(t *testing.T) {
	_, err := scripting.New(scripting.Options{Logger: zap.NewNop()})
	assert.Error(t, err)

	_, err = scripting.New(scripting.Options{Root: t.TempDir()})
	assert.Error(t, err)
}

func TestNewState_UnsafeCapabilitiesDenied(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	L, err := engine.NewState()
	require.NoError(t, err)
	defer engine.CloseState(L)

	for _, src := range []string{`os.execute("ls")`, `io.open("/etc/passwd")`, `debug.sethook()`, `package.loadlib("x")`} {
		engine.Sandbox().ResetViolations()
		err := L.DoString(src)
		require.Error(t, err, "expected %q to raise", src)
		require.Len(t, engine.Sandbox().Violations(), 1)
		assert.Equal(t, sandbox.ViolationModuleAccess, engine.Sandbox().Violations()[0].Type)
	}
	for _, src := range []string{`dofile("x")`, `loadfile("x")`, `load("return 1")`, `collectgarbage()`} {
		engine.Sandbox().ResetViolations()
		err := L.DoString(src)
		require.Error(t, err, "expected %q to raise", src)
		require.Len(t, engine.Sandbox().Violations(), 1)
		assert.Equal(t, sandbox.ViolationFunctionAccess, engine.Sandbox().Violations()[0].Type)
	}
}

func TestNewState_SafeLibsAvailable(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	L, err := engine.NewState()
	require.NoError(t, err)
	defer engine.CloseState(L)

	assert.NoError(t, L.DoString(`
		assert(math.sqrt(4) == 2.0)
		assert(string.upper("hello") == "HELLO")
	`))
}

func TestExecString_RequireBuiltinEndToEnd(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	require.Empty(t, engine.ListCached())

	err := engine.ExecString(`
		local fs = require("fs")
		assert(type(fs) == "table")
		assert(fs.__id == "fs")
		local again = require("fs")
		assert(again == fs, "second require must return the cached value")
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"builtin://fs"}, engine.ListCached())
}

func TestExecString_EmptyRequireFails(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	err := engine.ExecString(`require("")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")
	assert.Empty(t, engine.ListCached())
}

func TestExecString_AllowedPureFunctionSucceeds(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	err := engine.ExecString(`
		local s = require("strings")
		assert(s.upper("abc") == "ABC")
		assert(s.contains("haystack", "hay"))
	`)
	assert.NoError(t, err)
}

func TestExecString_DeniedCapabilityFailsAndIsRecorded(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	err := engine.ExecString(`require("fs").read("/etc/passwd")`)
	require.Error(t, err)

	violations := engine.Sandbox().Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, sandbox.ViolationFileAccess, violations[0].Type)
}

func TestExecString_FilePolicyGrantsConfinedRead(t *testing.T) {
	root := t.TempDir()
	data := writeFixture(t, root, "data.txt", "payload")

	policy := sandbox.DefaultPolicy()
	policy.File.Read = true
	policy.File.AllowedPaths = []string{root}
	engine := newEngine(t, root, &policy)

	err := engine.ExecString(`
		local fs = require("fs")
		local content = fs.read("` + data + `")
		assert(content == "payload")
	`)
	require.NoError(t, err)

	err = engine.ExecString(`require("fs").read("/etc/hostname")`)
	assert.Error(t, err, "reads outside the allow-list must fail")
}

func TestExecFile_ModuleResolutionFromScript(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, filepath.Join("lua_modules", "answer.lua"), `return { value = 42 }`)
	script := writeFixture(t, root, "main.lua", `
		local answer = require("answer")
		assert(answer.value == 42)
		assert(answer.__id == "answer")
	`)

	engine := newEngine(t, root, nil)
	require.NoError(t, engine.ExecFile(script))

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.ScriptsRun)
	assert.Equal(t, int64(0), stats.Errors)
	assert.Equal(t, 1, stats.CachedModules)
}

func TestExecString_CycleReportsChain(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, filepath.Join("lua_modules", "ouro.lua"), `return require("ouro")`)

	engine := newEngine(t, root, nil)
	err := engine.ExecString(`require("ouro")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ouro -> ouro")
}

func TestExecString_PrintGoesToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	engine, err := scripting.New(scripting.Options{
		Root:   t.TempDir(),
		Env:    sandbox.NewMapEnv(nil),
		Logger: zap.NewNop(),
		Output: &buf,
	})
	require.NoError(t, err)

	require.NoError(t, engine.ExecString(`print("captured")`))
	assert.Equal(t, "captured\n", buf.String())
}

func TestExecString_InstructionLimitTerminates(t *testing.T) {
	policy := sandbox.DefaultPolicy()
	policy.Limits.MaxInstructions = 100
	policy.Limits.MaxExecutionTime = 0
	engine := newEngine(t, t.TempDir(), &policy)

	err := engine.ExecString(`while true do end`)
	require.Error(t, err)

	violations := engine.Sandbox().Violations()
	require.NotEmpty(t, violations)
	assert.Equal(t, sandbox.ViolationInstrLimit, violations[0].Type)

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.Errors)
}

func TestExecString_TimeLimitTerminates(t *testing.T) {
	policy := sandbox.DefaultPolicy()
	policy.Limits.MaxInstructions = 0
	policy.Limits.MaxExecutionTime = 50 * time.Millisecond
	engine := newEngine(t, t.TempDir(), &policy)

	err := engine.ExecString(`while true do end`)
	require.Error(t, err)

	violations := engine.Sandbox().Violations()
	require.NotEmpty(t, violations)
	assert.Equal(t, sandbox.ViolationTimeLimit, violations[0].Type)
}

func TestExecString_ScriptErrorIsNotALimitViolation(t *testing.T) {
	policy := sandbox.DefaultPolicy()
	policy.Limits.MaxInstructions = 1000
	policy.Limits.MaxExecutionTime = time.Minute
	engine := newEngine(t, t.TempDir(), &policy)

	err := engine.ExecString(`error("boom")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, engine.Sandbox().Violations(),
		"a script's own error must not be attributed to a resource ceiling")
}

func TestProperty_InstructionLimitAlwaysErrors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		policy := sandbox.DefaultPolicy()
		policy.Limits.MaxInstructions = limit
		policy.Limits.MaxExecutionTime = 0

		engine, err := scripting.New(scripting.Options{
			Root:   os.TempDir(),
			Policy: &policy,
			Env:    sandbox.NewMapEnv(nil),
			Logger: zap.NewNop(),
		})
		if err != nil {
			t.Fatalf("building engine: %v", err)
		}
		if err := engine.ExecString(`while true do end`); err == nil {
			t.Fatalf("expected error with limit=%d but got nil", limit)
		}
	})
}

func TestClearCache_ForcesRebuiltExports(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	require.NoError(t, engine.ExecString(`require("json")`))
	require.NotEmpty(t, engine.ListCached())

	engine.ClearCache()
	assert.Empty(t, engine.ListCached())
}

func TestResolve_ReturnsLocationString(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, filepath.Join("lua_modules", "here.lua"), `return {}`)
	engine := newEngine(t, root, nil)

	loc, err := engine.Resolve("json")
	require.NoError(t, err)
	assert.Equal(t, "builtin://json", loc)

	loc, err = engine.Resolve("here")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "lua_modules", "here.lua"), loc)

	_, err = engine.Resolve("missing")
	assert.Error(t, err)
}

func TestStats_AccumulatesAcrossRuns(t *testing.T) {
	engine := newEngine(t, t.TempDir(), nil)
	require.NoError(t, engine.ExecString(`local x = 1`))
	require.Error(t, engine.ExecString(`error("boom")`))

	stats := engine.Stats()
	assert.Equal(t, int64(2), stats.ScriptsRun)
	assert.Equal(t, int64(1), stats.Errors)
	assert.GreaterOrEqual(t, stats.TotalDuration, time.Duration(0))
}
