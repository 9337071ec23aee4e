package scripting

import (
	"fmt"
	"io"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/luabox/luabox/internal/builtins"
	"github.com/luabox/luabox/internal/modules"
	"github.com/luabox/luabox/internal/observability"
	"github.com/luabox/luabox/internal/sandbox"
)

// Options configures an Engine.
type Options struct {
	// Root is the project directory module resolution starts from.
	Root string
	// ModulesDir is the per-directory search subdirectory. Defaults to
	// "lua_modules".
	ModulesDir string
	// AppDir is the hidden home-directory name for the resolution
	// fallback. Defaults to ".luabox".
	AppDir string
	// Policy is the capability policy for every state this engine
	// produces. Zero value means DefaultPolicy.
	Policy *sandbox.Policy
	// Env overrides environment access; nil uses the real process
	// environment.
	Env sandbox.EnvAccessor
	// Output receives sandboxed print output; nil uses stdout.
	Output io.Writer

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Stats is the per-engine execution record, readable by the host.
type Stats struct {
	ScriptsRun    int64
	Errors        int64
	TotalDuration time.Duration
	CachedModules int
}

// Engine wires the resolver, registry, cycle detector, builtin catalog,
// and sandbox manager into one host-facing runtime. States produced by
// NewState share the engine's module cache; the registry and load stack
// are the only cross-state shared mutable pieces.
type Engine struct {
	loader  *modules.Loader
	manager *sandbox.Manager
	catalog *builtins.Catalog
	policy  sandbox.Policy
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[*lua.LState]func()
	stats   Stats
}

// New creates an Engine.
//
// Precondition: opts.Root must be a directory path; opts.Logger must be
// non-nil.
// Postcondition: Returns a non-nil Engine or a non-nil error.
func New(opts Options) (*Engine, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("scripting: root directory is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("scripting: logger is required")
	}
	if opts.ModulesDir == "" {
		opts.ModulesDir = "lua_modules"
	}
	if opts.AppDir == "" {
		opts.AppDir = ".luabox"
	}

	policy := sandbox.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	manager := sandbox.NewManager(policy, opts.Env, opts.Logger, opts.Metrics)
	if opts.Output != nil {
		manager.SetOutput(opts.Output)
	}
	catalog := builtins.Default(manager)

	resolver := modules.NewResolver(opts.Root, opts.ModulesDir, opts.AppDir, catalog)
	loader := modules.NewLoader(
		resolver,
		modules.NewRegistry(),
		modules.NewCycleDetector(),
		catalog,
		opts.Logger,
		opts.Metrics,
	)

	return &Engine{
		loader:  loader,
		manager: manager,
		catalog: catalog,
		policy:  policy,
		logger:  opts.Logger,
		cancels: make(map[*lua.LState]func()),
	}, nil
}

// NewState produces a sandboxed guest state: safe libraries only, policy
// applied, limit context installed, and a require global bound to the
// engine's loader. The caller must release it with CloseState.
func (e *Engine) NewState() (*lua.LState, error) {
	L, cancel := newRawState(e.policy)

	if err := e.manager.Apply(L); err != nil {
		cancel()
		L.Close()
		return nil, err
	}

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		exports, err := e.loader.Require(L, id)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(exports)
		return 1
	}))

	e.mu.Lock()
	e.cancels[L] = cancel
	e.mu.Unlock()
	return L, nil
}

// CloseState cancels the state's limit context and closes it.
func (e *Engine) CloseState(L *lua.LState) {
	e.mu.Lock()
	cancel := e.cancels[L]
	delete(e.cancels, L)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	L.Close()
}

// ExecFile runs a script file in a fresh sandboxed state and tears the
// state down afterward. Limit-context trips are recorded as resource
// violations before the error is returned.
func (e *Engine) ExecFile(path string) error {
	return e.exec(path, func(L *lua.LState) error { return L.DoFile(path) })
}

// ExecString runs source in a fresh sandboxed state.
func (e *Engine) ExecString(source string) error {
	return e.exec("(string)", func(L *lua.LState) error { return L.DoString(source) })
}

func (e *Engine) exec(name string, run func(*lua.LState) error) error {
	L, err := e.NewState()
	if err != nil {
		return err
	}
	defer e.CloseState(L)

	start := time.Now()
	runErr := run(L)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.stats.ScriptsRun++
	e.stats.TotalDuration += elapsed
	if runErr != nil {
		e.stats.Errors++
	}
	e.mu.Unlock()

	if runErr != nil {
		if vtype, tripped := deadlineExceeded(L.Context()); tripped {
			e.manager.RecordLimit(vtype, name)
		}
		e.logger.Warn("scripting: script failed",
			zap.String("script", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr),
		)
		return fmt.Errorf("scripting: running %q: %w", name, runErr)
	}

	e.logger.Debug("scripting: script completed",
		zap.String("script", name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// Require loads id into L through the engine's loader.
func (e *Engine) Require(L *lua.LState, id string) (lua.LValue, error) {
	return e.loader.Require(L, id)
}

// Resolve maps id to its location string without loading it.
func (e *Engine) Resolve(id string) (string, error) {
	loc, err := e.loader.ResolveOnly(id)
	if err != nil {
		return "", err
	}
	return loc.Key(), nil
}

// ListCached returns the cache keys of every loaded module.
func (e *Engine) ListCached() []string { return e.loader.ListCached() }

// ClearCache drops every cached module.
func (e *Engine) ClearCache() { e.loader.ClearCache() }

// Sandbox returns the engine's sandbox manager, for violation inspection
// and file-policy checks by host-side builtins.
func (e *Engine) Sandbox() *sandbox.Manager { return e.manager }

// Catalog returns the builtin catalog.
func (e *Engine) Catalog() *builtins.Catalog { return e.catalog }

// Stats returns a snapshot of the execution record.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.CachedModules = len(e.loader.ListCached())
	return s
}
