package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/luabox/luabox/internal/observability"
)

// Manager applies a Policy to guest states and records every denied
// capability attempt. One Manager serves one policy; the policy is never
// mutated after construction.
//
// Manager is safe for concurrent use. The violation log is append-only and
// reset only by ResetViolations.
type Manager struct {
	policy  Policy
	env     EnvAccessor
	logger  *zap.Logger
	metrics *observability.Metrics
	started time.Time

	mu         sync.RWMutex
	out        io.Writer
	violations []Violation
}

// NewManager creates a Manager enforcing policy.
//
// Precondition: logger must be non-nil. env may be nil, in which case the
// real process environment is used. metrics may be nil.
func NewManager(policy Policy, env EnvAccessor, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if env == nil {
		env = OSEnv{}
	}
	// Prefixes resolve the same way candidate paths do, so a relative
	// prefix in a policy file matches relative accesses.
	policy.File.AllowedPaths = absPrefixes(policy.File.AllowedPaths)
	policy.File.DeniedPaths = absPrefixes(policy.File.DeniedPaths)
	return &Manager{
		policy:  policy,
		env:     env,
		logger:  logger,
		metrics: metrics,
		started: time.Now(),
		out:     os.Stdout,
	}
}

// Policy returns the policy this Manager enforces.
func (m *Manager) Policy() Policy { return m.policy }

// SetOutput redirects the sandboxed print replacement. The default is
// stdout.
func (m *Manager) SetOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = w
}

// Apply locks down L. In order: denied modules are replaced with recording
// stubs, unlisted table-valued globals are swept, denied functions are
// replaced with recording stubs everywhere, always-present globals (print,
// type, tostring, tonumber) are replaced with Go-side reimplementations,
// and minimal subset tables are built for policy-allowed members of os and
// debug.
//
// Precondition: L must be non-nil and not yet running guest code.
func (m *Manager) Apply(L *lua.LState) error {
	if L == nil {
		return fmt.Errorf("sandbox: nil state")
	}

	for _, name := range m.policy.DeniedModules {
		L.SetGlobal(name, m.deniedModuleStub(L, name))
	}

	m.sweepGlobals(L)
	m.removeDeniedFunctions(L)
	m.installSafeGlobals(L)
	m.installOSSubset(L)
	m.installDebugSubset(L)

	m.logger.Debug("sandbox: applied",
		zap.Strings("allowed_modules", m.policy.AllowedModules),
		zap.Int("denied_functions", len(m.policy.DeniedFunctions)),
	)
	return nil
}

// sweepGlobals removes every table-valued global whose name is neither an
// allowed module, an explicitly allowed function, nor a denied module
// already holding a recording stub. This is the catch-all for libraries
// the deny-set does not enumerate.
func (m *Manager) sweepGlobals(L *lua.LState) {
	var doomed []string
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		if _, isTable := v.(*lua.LTable); !isTable {
			return
		}
		if m.policy.ModuleAllowed(string(name)) || m.policy.FunctionAllowed(string(name)) {
			return
		}
		if m.policy.ModuleDenied(string(name)) {
			return
		}
		doomed = append(doomed, string(name))
	})
	for _, name := range doomed {
		L.SetGlobal(name, lua.LNil)
	}
}

// removeDeniedFunctions replaces every denied function name, both as a
// global and as a field of any surviving module table, with a stub that
// records the attempt and raises.
func (m *Manager) removeDeniedFunctions(L *lua.LState) {
	for _, name := range m.policy.DeniedFunctions {
		L.SetGlobal(name, m.deniedFunctionStub(L, name))
	}
	for _, mod := range m.policy.AllowedModules {
		tbl, ok := L.GetGlobal(mod).(*lua.LTable)
		if !ok {
			continue
		}
		for _, name := range m.policy.DeniedFunctions {
			if tbl.RawGetString(name) != lua.LNil {
				tbl.RawSetString(name, m.deniedFunctionStub(L, mod+"."+name))
			}
		}
	}
}

// deniedModuleStub builds a table whose every access records one module
// violation and raises an error naming the module. The metatable is locked
// so guest code cannot peel the stub off.
func (m *Manager) deniedModuleStub(L *lua.LState, module string) *lua.LTable {
	stub := L.NewTable()
	mt := L.NewTable()
	handler := L.NewFunction(func(L *lua.LState) int {
		key := lua.LVAsString(L.Get(2))
		err := m.deny(ViolationModuleAccess, module+"."+key,
			fmt.Sprintf("module %q is not available", module))
		L.RaiseError("%s", err.Error())
		return 0
	})
	mt.RawSetString("__index", handler)
	mt.RawSetString("__newindex", handler)
	mt.RawSetString("__metatable", lua.LString("locked"))
	L.SetMetatable(stub, mt)
	return stub
}

// deniedFunctionStub builds a function that records one function violation
// and raises an error naming the function.
func (m *Manager) deniedFunctionStub(L *lua.LState, name string) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		err := m.deny(ViolationFunctionAccess, name,
			fmt.Sprintf("function %q is not available", name))
		L.RaiseError("%s", err.Error())
		return 0
	})
}

// guardUnknownMembers denies reads of members a subset table does not
// carry, so a partially granted module still reports what it refuses.
func (m *Manager) guardUnknownMembers(L *lua.LState, tbl *lua.LTable, module string) {
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		key := lua.LVAsString(L.Get(2))
		err := m.deny(ViolationFunctionAccess, module+"."+key,
			fmt.Sprintf("function %q is not available", module+"."+key))
		L.RaiseError("%s", err.Error())
		return 0
	}))
	mt.RawSetString("__metatable", lua.LString("locked"))
	L.SetMetatable(tbl, mt)
}

// installSafeGlobals replaces print, type, tostring, and tonumber with
// implementations built from primitive formatting. A poisoned original can
// never be restored by guest code because the originals are unreferenced.
func (m *Manager) installSafeGlobals(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, formatValue(L.Get(i)))
		}
		m.mu.RLock()
		out := m.out
		m.mu.RUnlock()
		fmt.Fprintln(out, strings.Join(parts, "\t"))
		return 0
	}))

	L.SetGlobal("type", L.NewFunction(func(L *lua.LState) int {
		v := L.CheckAny(1)
		L.Push(lua.LString(v.Type().String()))
		return 1
	}))

	L.SetGlobal("tostring", L.NewFunction(func(L *lua.LState) int {
		v := L.CheckAny(1)
		L.Push(lua.LString(formatValue(v)))
		return 1
	}))

	L.SetGlobal("tonumber", L.NewFunction(func(L *lua.LState) int {
		v := L.CheckAny(1)
		base := L.OptInt(2, 10)
		n, ok := toNumber(v, base)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(n))
		return 1
	}))
}

// installOSSubset builds a minimal os table holding only the members the
// policy grants. Process execution is never among them.
func (m *Manager) installOSSubset(L *lua.LState) {
	p := m.policy.OS
	if !p.Clock && !p.Date && !p.Time && !p.Tmpname && !p.Getenv && !p.Setenv {
		return
	}
	osTable := L.NewTable()

	if p.Clock {
		osTable.RawSetString("clock", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LNumber(time.Since(m.started).Seconds()))
			return 1
		}))
	}
	if p.Time {
		osTable.RawSetString("time", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LNumber(time.Now().Unix()))
			return 1
		}))
	}
	if p.Date {
		osTable.RawSetString("date", L.NewFunction(func(L *lua.LState) int {
			layout := L.OptString(1, "%c")
			L.Push(lua.LString(strftime(time.Now(), layout)))
			return 1
		}))
	}
	if p.Tmpname {
		osTable.RawSetString("tmpname", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(filepath.Join(os.TempDir(), "lua_"+uuid.NewString())))
			return 1
		}))
	}
	if p.Getenv {
		osTable.RawSetString("getenv", L.NewFunction(func(L *lua.LState) int {
			name := L.CheckString(1)
			value, ok, err := m.GetEnv(name)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			if !ok {
				L.Push(lua.LNil)
			} else {
				L.Push(lua.LString(value))
			}
			return 1
		}))
	}
	if p.Setenv {
		osTable.RawSetString("setenv", L.NewFunction(func(L *lua.LState) int {
			name := L.CheckString(1)
			value := L.CheckString(2)
			if err := m.SetEnv(name, value); err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			return 0
		}))
	}

	m.guardUnknownMembers(L, osTable, "os")
	L.SetGlobal("os", osTable)
}

// installDebugSubset grants debug.traceback alone when the policy allows
// it; metatable introspection stays out.
func (m *Manager) installDebugSubset(L *lua.LState) {
	if !m.policy.FunctionAllowed("debug.traceback") {
		return
	}
	debugTable := L.NewTable()
	debugTable.RawSetString("traceback", L.NewFunction(func(L *lua.LState) int {
		msg := L.OptString(1, "")
		L.Push(lua.LString(strings.TrimSpace(msg + "\n" + L.Where(1))))
		return 1
	}))
	m.guardUnknownMembers(L, debugTable, "debug")
	L.SetGlobal("debug", debugTable)
}

// CheckFileAccess decides whether op ("read", "write", "append") may touch
// path. Denied prefixes win; a non-empty allow-list confines everything
// else; ambiguity denies. Every denial appends exactly one violation
// before the error is returned.
func (m *Manager) CheckFileAccess(path, op string) error {
	abs := path
	if a, err := filepath.Abs(path); err == nil {
		abs = a
	}
	abs = filepath.Clean(abs)

	var granted bool
	switch op {
	case "read":
		granted = m.policy.File.Read
	case "write":
		granted = m.policy.File.Write
	case "append":
		granted = m.policy.File.Append
	default:
		return m.deny(ViolationFileAccess, op, fmt.Sprintf("unknown file operation on %s", abs))
	}
	if !granted {
		return m.deny(ViolationFileAccess, op, fmt.Sprintf("file %s operation not granted for %s", op, abs))
	}

	for _, prefix := range m.policy.File.DeniedPaths {
		if underPrefix(abs, prefix) {
			return m.deny(ViolationFileAccess, op, fmt.Sprintf("path %s is under denied prefix %s", abs, prefix))
		}
	}

	if len(m.policy.File.AllowedPaths) > 0 {
		for _, prefix := range m.policy.File.AllowedPaths {
			if underPrefix(abs, prefix) {
				return nil
			}
		}
		return m.deny(ViolationFileAccess, op, fmt.Sprintf("path %s is outside all allowed prefixes", abs))
	}

	return nil
}

// MaxFileSize returns the configured per-file byte ceiling; 0 means
// unlimited.
func (m *Manager) MaxFileSize() int64 { return m.policy.File.MaxFileSize }

// CheckFileSize denies an operation whose payload exceeds the per-file
// byte ceiling. A zero ceiling grants everything.
func (m *Manager) CheckFileSize(path string, size int64) error {
	limit := m.policy.File.MaxFileSize
	if limit <= 0 || size <= limit {
		return nil
	}
	return m.deny(ViolationFileAccess, "size",
		fmt.Sprintf("file %s is %d bytes, ceiling is %d", path, size, limit))
}

// GetEnv reads an environment variable through the policy. The bool
// distinguishes a set-but-empty variable from an unset one. Denials are
// recorded and returned as errors.
func (m *Manager) GetEnv(name string) (string, bool, error) {
	if !envReadAllowed(m.policy.Env, name) {
		return "", false, m.deny(ViolationEnvAccess, "getenv", fmt.Sprintf("read of %s denied by environment policy", name))
	}
	value, ok := m.env.Get(name)
	return value, ok, nil
}

// SetEnv writes an environment variable through the policy.
func (m *Manager) SetEnv(name, value string) error {
	if !envWriteAllowed(m.policy.Env, name) {
		return m.deny(ViolationEnvAccess, "setenv", fmt.Sprintf("write of %s denied by environment policy", name))
	}
	return m.env.Set(name, value)
}

// RecordLimit logs a resource-ceiling trip (instruction or wall-clock)
// observed by the execution engine. The ceilings are enforced by the
// engine's limit context; this keeps the audit trail complete.
func (m *Manager) RecordLimit(vtype ViolationType, script string) {
	_ = m.deny(vtype, "execute", fmt.Sprintf("script %s exceeded resource ceiling", script))
}

// Violations returns a copy of the violation log in append order.
func (m *Manager) Violations() []Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// ResetViolations clears the violation log.
func (m *Manager) ResetViolations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = nil
}

// deny records a violation, logs it, bumps the counter, and returns it as
// the blocking error.
func (m *Manager) deny(vtype ViolationType, operation, details string) error {
	v := newViolation(vtype, operation, details)
	m.mu.Lock()
	m.violations = append(m.violations, v)
	m.mu.Unlock()

	m.logger.Warn("sandbox: capability denied",
		zap.String("type", string(vtype)),
		zap.String("operation", operation),
		zap.String("details", details),
	)
	m.metrics.Violation(context.Background(), string(vtype))
	return v
}

// absPrefixes cleans and absolutizes policy path prefixes. A prefix that
// cannot be absolutized is kept cleaned, which fails closed against the
// absolutized candidate paths.
func absPrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return prefixes
	}
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		if a, err := filepath.Abs(p); err == nil {
			out[i] = filepath.Clean(a)
		} else {
			out[i] = filepath.Clean(p)
		}
	}
	return out
}

// underPrefix reports whether path sits at or below prefix.
func underPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// formatValue renders a Lua value from primitives, without calling into
// guest-controlled metamethods.
func formatValue(v lua.LValue) string {
	switch val := v.(type) {
	case *lua.LNilType:
		return "nil"
	case lua.LBool:
		if bool(val) {
			return "true"
		}
		return "false"
	case lua.LNumber:
		return strconv.FormatFloat(float64(val), 'g', 14, 64)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return fmt.Sprintf("table: %p", val)
	case *lua.LFunction:
		return fmt.Sprintf("function: %p", val)
	case *lua.LUserData:
		return fmt.Sprintf("userdata: %p", val)
	default:
		return v.Type().String()
	}
}

// toNumber converts a Lua value to a float, honoring an explicit base for
// string inputs.
func toNumber(v lua.LValue, base int) (float64, bool) {
	switch val := v.(type) {
	case lua.LNumber:
		return float64(val), true
	case lua.LString:
		s := strings.TrimSpace(string(val))
		if base == 10 {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
			return 0, false
		}
		if n, err := strconv.ParseInt(s, base, 64); err == nil {
			return float64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// strftime renders the subset of C date directives Lua scripts commonly
// use. Unknown directives pass through verbatim.
func strftime(t time.Time, layout string) string {
	replacer := strings.NewReplacer(
		"%Y", t.Format("2006"),
		"%m", t.Format("01"),
		"%d", t.Format("02"),
		"%H", t.Format("15"),
		"%M", t.Format("04"),
		"%S", t.Format("05"),
		"%c", t.Format("Mon Jan  2 15:04:05 2006"),
		"%x", t.Format("01/02/06"),
		"%X", t.Format("15:04:05"),
	)
	return replacer.Replace(layout)
}
