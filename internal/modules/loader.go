package modules

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/luabox/luabox/internal/observability"
)

// moduleVersion is recorded in ModuleInfo for every cached module.
const moduleVersion = "1.0.0"

// Catalog supplies builtin modules to the loader. Builtins carry live
// bindings, so loading one requires the target state.
type Catalog interface {
	BuiltinSet
	Load(L *lua.LState, name string) (lua.LValue, error)
}

// Loader orchestrates the resolver, registry, and cycle detector to
// implement require with exactly-once load semantics.
//
// Loader is safe for concurrent use; the registry and load stack are the
// only shared state, and neither lock is held across module execution, so
// a slow load never stalls reads of already-cached modules.
type Loader struct {
	resolver *Resolver
	registry *Registry
	stack    *CycleDetector
	catalog  Catalog
	logger   *zap.Logger
	metrics  *observability.Metrics

	// dirMu guards dirs, the per-state stack of directories of modules
	// currently executing. Nested requires resolve relative to the
	// requiring module's directory, like Node.
	dirMu sync.Mutex
	dirs  map[*lua.LState][]string
}

// NewLoader creates a Loader.
//
// Precondition: resolver, registry, stack, and logger must be non-nil.
// catalog and metrics may be nil.
func NewLoader(resolver *Resolver, registry *Registry, stack *CycleDetector, catalog Catalog, logger *zap.Logger, metrics *observability.Metrics) *Loader {
	return &Loader{
		resolver: resolver,
		registry: registry,
		stack:    stack,
		catalog:  catalog,
		logger:   logger,
		metrics:  metrics,
		dirs:     make(map[*lua.LState][]string),
	}
}

// Require resolves and loads id, returning its exports. Nested calls made
// while a module executes resolve from that module's directory; top-level
// calls resolve from the loader root.
func (l *Loader) Require(L *lua.LState, id string) (lua.LValue, error) {
	return l.RequireFrom(L, id, l.currentDir(L))
}

// RequireFrom is Require with an explicit resolution start directory.
func (l *Loader) RequireFrom(L *lua.LState, id, fromDir string) (lua.LValue, error) {
	loc, err := l.resolver.ResolveFrom(fromDir, id)
	if err != nil {
		return lua.LNil, err
	}
	key := loc.Key()

	// Cache hit short-circuits everything: no cycle check, no reload.
	if entry, ok := l.registry.Get(key); ok {
		l.metrics.CacheHit(l.ctx(L), id)
		return entry.Exports, nil
	}

	// Push doubles as the cycle check; a duplicate identifier fails
	// without mutating the stack.
	if err := l.stack.Push(id); err != nil {
		return lua.LNil, err
	}
	defer l.stack.Pop()

	var (
		exports  lua.LValue
		checksum string
	)
	if loc.Builtin {
		exports, err = l.catalog.Load(L, loc.Name)
	} else {
		exports, checksum, err = l.execFile(L, loc)
	}
	if err != nil {
		return lua.LNil, err
	}

	l.annotate(exports, id, loc)
	l.registry.Set(key, exports, ModuleInfo{
		Name:     id,
		Version:  moduleVersion,
		Checksum: checksum,
		Loaded:   true,
	})
	l.metrics.ModuleLoaded(l.ctx(L), id, loc.Builtin)
	l.logger.Debug("modules: loaded",
		zap.String("module", id),
		zap.String("location", key),
	)
	return exports, nil
}

// ResolveOnly maps id to its location without loading or caching it.
func (l *Loader) ResolveOnly(id string) (ResolvedLocation, error) {
	return l.resolver.Resolve(id)
}

// Cached returns the exports for id if it is already loaded. Resolution is
// the only work performed; the load stack is untouched.
func (l *Loader) Cached(id string) (lua.LValue, bool) {
	loc, err := l.resolver.Resolve(id)
	if err != nil {
		return lua.LNil, false
	}
	entry, ok := l.registry.Get(loc.Key())
	if !ok {
		return lua.LNil, false
	}
	return entry.Exports, true
}

// ListCached returns the cache keys of every loaded module.
func (l *Loader) ListCached() []string {
	return l.registry.List()
}

// ClearCache drops every cached module.
func (l *Loader) ClearCache() {
	l.registry.Clear()
}

// execFile reads and executes a filesystem module, returning the chunk's
// return value as the exports together with a BLAKE2b digest of the source.
func (l *Loader) execFile(L *lua.LState, loc ResolvedLocation) (lua.LValue, string, error) {
	src, err := os.ReadFile(loc.Path)
	if err != nil {
		return lua.LNil, "", &LoadError{Module: loc.Name, Path: loc.Path, Err: err}
	}
	sum := blake2b.Sum256(src)

	fn, err := L.Load(bytes.NewReader(src), "@"+loc.Path)
	if err != nil {
		return lua.LNil, "", &LoadError{Module: loc.Name, Path: loc.Path, Err: err}
	}

	l.pushDir(L, filepath.Dir(loc.Path))
	defer l.popDir(L)

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return lua.LNil, "", &LoadError{Module: loc.Name, Path: loc.Path, Err: err}
	}
	exports := L.Get(-1)
	L.Pop(1)
	return exports, hex.EncodeToString(sum[:]), nil
}

// annotate attaches bookkeeping fields to composite exports.
func (l *Loader) annotate(exports lua.LValue, id string, loc ResolvedLocation) {
	tbl, ok := exports.(*lua.LTable)
	if !ok {
		return
	}
	tbl.RawSetString("__id", lua.LString(id))
	tbl.RawSetString("__path", lua.LString(loc.Key()))
}

func (l *Loader) pushDir(L *lua.LState, dir string) {
	l.dirMu.Lock()
	defer l.dirMu.Unlock()
	l.dirs[L] = append(l.dirs[L], dir)
}

func (l *Loader) popDir(L *lua.LState) {
	l.dirMu.Lock()
	defer l.dirMu.Unlock()
	stack := l.dirs[L]
	if len(stack) <= 1 {
		delete(l.dirs, L)
		return
	}
	l.dirs[L] = stack[:len(stack)-1]
}

func (l *Loader) currentDir(L *lua.LState) string {
	l.dirMu.Lock()
	defer l.dirMu.Unlock()
	if stack := l.dirs[L]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	return l.resolver.Root()
}

func (l *Loader) ctx(L *lua.LState) context.Context {
	if L != nil {
		if ctx := L.Context(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}
