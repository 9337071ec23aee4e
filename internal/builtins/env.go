package builtins

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/luabox/luabox/internal/sandbox"
)

// envModule exposes environment variables through the sandbox's
// environment policy. Reads of unset variables return nil; denied reads
// and writes raise.
type envModule struct {
	guard *sandbox.Manager
}

func (e *envModule) Name() string { return "env" }

func (e *envModule) Functions() []string { return []string{"get", "set"} }

func (e *envModule) Load(L *lua.LState) (*lua.LTable, error) {
	tbl := L.NewTable()

	tbl.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		value, ok, err := e.guard.GetEnv(name)
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

	tbl.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		value := L.CheckString(2)
		if err := e.guard.SetEnv(name, value); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return 0
	}))

	return tbl, nil
}
