// Package builtins ships the modules that are part of the runtime itself.
// Builtins never resolve from disk and always shadow same-named filesystem
// modules. The catalog is a closed registry keyed by name; each builtin
// supplies live bindings for a target state plus a declarative descriptor.
package builtins

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/luabox/luabox/internal/sandbox"
)

// Builtin is one runtime-shipped module.
type Builtin interface {
	Name() string
	// Functions lists the exported function names, for the descriptor.
	Functions() []string
	// Load binds the builtin's functions into a table owned by L.
	Load(L *lua.LState) (*lua.LTable, error)
}

// Descriptor is the declarative export summary of a builtin.
type Descriptor struct {
	Name      string
	Functions []string
}

// Catalog is the closed builtin registry consumed by the module loader.
type Catalog struct {
	builtins map[string]Builtin
}

// NewCatalog creates a catalog holding the given builtins.
func NewCatalog(bs ...Builtin) *Catalog {
	c := &Catalog{builtins: make(map[string]Builtin, len(bs))}
	for _, b := range bs {
		c.builtins[b.Name()] = b
	}
	return c
}

// Default returns the standard catalog: fs, json, strings, env. The
// capable builtins (fs, env) route every operation through guard.
//
// Precondition: guard must be non-nil.
func Default(guard *sandbox.Manager) *Catalog {
	return NewCatalog(
		&fsModule{guard: guard},
		&jsonModule{},
		&stringsModule{},
		&envModule{guard: guard},
	)
}

// Register adds b, replacing any builtin of the same name.
func (c *Catalog) Register(b Builtin) {
	c.builtins[b.Name()] = b
}

// IsBuiltin reports whether name is shipped with the runtime.
func (c *Catalog) IsBuiltin(name string) bool {
	_, ok := c.builtins[name]
	return ok
}

// Describe returns the declarative descriptor for name.
func (c *Catalog) Describe(name string) (Descriptor, bool) {
	b, ok := c.builtins[name]
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{Name: b.Name(), Functions: b.Functions()}, true
}

// Load binds name's functions into L and returns the module table.
func (c *Catalog) Load(L *lua.LState, name string) (lua.LValue, error) {
	b, ok := c.builtins[name]
	if !ok {
		return lua.LNil, fmt.Errorf("builtins: %q is not a builtin", name)
	}
	tbl, err := b.Load(L)
	if err != nil {
		return lua.LNil, fmt.Errorf("builtins: loading %q: %w", name, err)
	}
	return tbl, nil
}

// Names returns the sorted builtin names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.builtins))
	for name := range c.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
