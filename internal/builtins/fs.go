package builtins

import (
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/luabox/luabox/internal/sandbox"
)

// fsModule is the policy-gated filesystem builtin. Every operation asks the
// sandbox manager first; denials raise a Lua error and land in the
// violation log. Plain I/O failures follow the Lua convention of
// (nil, message) returns.
type fsModule struct {
	guard *sandbox.Manager
}

func (f *fsModule) Name() string { return "fs" }

func (f *fsModule) Functions() []string {
	return []string{"read", "read_bytes", "write", "append", "exists", "size"}
}

func (f *fsModule) Load(L *lua.LState) (*lua.LTable, error) {
	tbl := L.NewTable()
	tbl.RawSetString("read", L.NewFunction(f.read))
	tbl.RawSetString("read_bytes", L.NewFunction(f.readBytes))
	tbl.RawSetString("write", L.NewFunction(f.write))
	tbl.RawSetString("append", L.NewFunction(f.append))
	tbl.RawSetString("exists", L.NewFunction(f.exists))
	tbl.RawSetString("size", L.NewFunction(f.size))
	return tbl, nil
}

func (f *fsModule) read(L *lua.LState) int {
	path := L.CheckString(1)
	if err := f.guard.CheckFileAccess(path, "read"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if info, err := os.Stat(path); err == nil {
		if err := f.guard.CheckFileSize(path, info.Size()); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

// readBytes returns file contents as a 1-indexed array of byte values,
// for scripts that need to inspect binary data without string coercion.
func (f *fsModule) readBytes(L *lua.LState) int {
	path := L.CheckString(1)
	if err := f.guard.CheckFileAccess(path, "read"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if info, err := os.Stat(path); err == nil {
		if err := f.guard.CheckFileSize(path, info.Size()); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	arr := L.NewTable()
	for i, b := range data {
		arr.RawSetInt(i+1, lua.LNumber(b))
	}
	L.Push(arr)
	return 1
}

func (f *fsModule) write(L *lua.LState) int {
	return f.store(L, "write", os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (f *fsModule) append(L *lua.LState) int {
	return f.store(L, "append", os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (f *fsModule) store(L *lua.LState, op string, flag int) int {
	path := L.CheckString(1)
	data := L.CheckString(2)
	if err := f.guard.CheckFileAccess(path, op); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if err := f.guard.CheckFileSize(path, int64(len(data))); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	defer file.Close()
	if _, err := file.WriteString(data); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (f *fsModule) exists(L *lua.LState) int {
	path := L.CheckString(1)
	if err := f.guard.CheckFileAccess(path, "read"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	_, err := os.Stat(path)
	L.Push(lua.LBool(err == nil))
	return 1
}

func (f *fsModule) size(L *lua.LState) int {
	path := L.CheckString(1)
	if err := f.guard.CheckFileAccess(path, "read"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(info.Size()))
	return 1
}
