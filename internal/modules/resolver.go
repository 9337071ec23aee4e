// Package modules implements Node-style module resolution, caching, and
// loading for sandboxed GopherLua states. The loader guarantees
// exactly-once execution per resolved location and detects require cycles
// before they can recurse.
package modules

import (
	"fmt"
	"os"
	"path/filepath"
)

// BuiltinSet answers whether an identifier names a builtin module.
// Builtins always shadow same-named filesystem modules.
type BuiltinSet interface {
	IsBuiltin(name string) bool
}

// ResolvedLocation is either a synthetic builtin locator or the absolute
// path of a module's entry file.
type ResolvedLocation struct {
	Builtin bool
	Name    string
	Path    string
}

// Key returns the stringified location used as the registry cache key.
func (r ResolvedLocation) Key() string {
	if r.Builtin {
		return "builtin://" + r.Name
	}
	return r.Path
}

// Resolver maps module identifiers to concrete locations. Resolution is
// read-only and has no side effects.
type Resolver struct {
	root       string
	modulesDir string
	appDir     string
	builtins   BuiltinSet
}

// NewResolver creates a Resolver rooted at root.
//
// Precondition: root must be an absolute directory path; modulesDir is the
// per-directory search subdirectory (e.g. "lua_modules"); appDir is the
// hidden home-directory name (e.g. ".luabox") for the fallback location.
// builtins may be nil when no builtin catalog is in play.
func NewResolver(root, modulesDir, appDir string, builtins BuiltinSet) *Resolver {
	return &Resolver{
		root:       filepath.Clean(root),
		modulesDir: modulesDir,
		appDir:     appDir,
		builtins:   builtins,
	}
}

// Root returns the resolver's root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve maps id to a location starting the ancestor walk at the
// resolver's root.
func (r *Resolver) Resolve(id string) (ResolvedLocation, error) {
	return r.ResolveFrom(r.root, id)
}

// ResolveFrom maps id to a location starting the ancestor walk at startDir.
// Builtin names win unconditionally. Otherwise <dir>/<modulesDir>/<id> is
// probed at startDir and every ancestor up to the filesystem root, then the
// home fallback ~/<appDir>/modules/<id>.
func (r *Resolver) ResolveFrom(startDir, id string) (ResolvedLocation, error) {
	if id == "" {
		return ResolvedLocation{}, ErrEmptyModuleID
	}

	if r.builtins != nil && r.builtins.IsBuiltin(id) {
		return ResolvedLocation{Builtin: true, Name: id}, nil
	}

	dir := filepath.Clean(startDir)
	for {
		if entry, ok := r.probe(filepath.Join(dir, r.modulesDir), id); ok {
			return ResolvedLocation{Name: id, Path: entry}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		if entry, ok := r.probe(filepath.Join(home, r.appDir, "modules"), id); ok {
			return ResolvedLocation{Name: id, Path: entry}, nil
		}
	}

	return ResolvedLocation{}, &NotFoundError{Module: id}
}

// probe checks for <base>/<id>.lua, then <base>/<id>/init.lua, and returns
// the absolute entry file path on a hit.
func (r *Resolver) probe(base, id string) (string, bool) {
	file := filepath.Join(base, id+".lua")
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		return absolute(file), true
	}
	entry := filepath.Join(base, id, "init.lua")
	if info, err := os.Stat(entry); err == nil && !info.IsDir() {
		return absolute(entry), true
	}
	return "", false
}

func absolute(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		// filepath.Abs only fails when the working directory is gone;
		// the cleaned relative path is still a usable cache key.
		return filepath.Clean(path)
	}
	return abs
}

// String implements fmt.Stringer for log fields.
func (r ResolvedLocation) String() string {
	if r.Builtin {
		return fmt.Sprintf("builtin %s", r.Name)
	}
	return r.Path
}
