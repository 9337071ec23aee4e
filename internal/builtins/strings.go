package builtins

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// stringsModule is a pure string-utility builtin. It touches no host
// capability and needs no policy gate.
type stringsModule struct{}

func (s *stringsModule) Name() string { return "strings" }

func (s *stringsModule) Functions() []string {
	return []string{
		"upper", "lower", "trim", "split", "join",
		"starts_with", "ends_with", "contains", "replace",
	}
}

func (s *stringsModule) Load(L *lua.LState) (*lua.LTable, error) {
	tbl := L.NewTable()
	tbl.RawSetString("upper", unary(L, strings.ToUpper))
	tbl.RawSetString("lower", unary(L, strings.ToLower))
	tbl.RawSetString("trim", unary(L, strings.TrimSpace))
	tbl.RawSetString("starts_with", binaryBool(L, strings.HasPrefix))
	tbl.RawSetString("ends_with", binaryBool(L, strings.HasSuffix))
	tbl.RawSetString("contains", binaryBool(L, strings.Contains))

	tbl.RawSetString("split", L.NewFunction(func(L *lua.LState) int {
		str := L.CheckString(1)
		sep := L.CheckString(2)
		out := L.NewTable()
		for i, part := range strings.Split(str, sep) {
			out.RawSetInt(i+1, lua.LString(part))
		}
		L.Push(out)
		return 1
	}))

	tbl.RawSetString("join", L.NewFunction(func(L *lua.LState) int {
		parts := L.CheckTable(1)
		sep := L.CheckString(2)
		items := make([]string, 0, parts.MaxN())
		for i := 1; i <= parts.MaxN(); i++ {
			items = append(items, lua.LVAsString(parts.RawGetInt(i)))
		}
		L.Push(lua.LString(strings.Join(items, sep)))
		return 1
	}))

	tbl.RawSetString("replace", L.NewFunction(func(L *lua.LState) int {
		str := L.CheckString(1)
		from := L.CheckString(2)
		to := L.CheckString(3)
		L.Push(lua.LString(strings.ReplaceAll(str, from, to)))
		return 1
	}))

	return tbl, nil
}

func unary(L *lua.LState, fn func(string) string) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(fn(L.CheckString(1))))
		return 1
	})
}

func binaryBool(L *lua.LState, fn func(string, string) bool) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(fn(L.CheckString(1), L.CheckString(2))))
		return 1
	})
}
