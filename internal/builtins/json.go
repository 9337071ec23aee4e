package builtins

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
)

// jsonModule exposes JSON encode/decode plus path-addressed get/set on raw
// documents. Path queries run on the document string directly, so scripts
// that only need one field never pay for a full decode.
type jsonModule struct{}

func (j *jsonModule) Name() string { return "json" }

func (j *jsonModule) Functions() []string {
	return []string{"encode", "decode", "get", "set", "valid"}
}

func (j *jsonModule) Load(L *lua.LState) (*lua.LTable, error) {
	tbl := L.NewTable()
	tbl.RawSetString("encode", L.NewFunction(j.encode))
	tbl.RawSetString("decode", L.NewFunction(j.decode))
	tbl.RawSetString("get", L.NewFunction(j.get))
	tbl.RawSetString("set", L.NewFunction(j.set))
	tbl.RawSetString("valid", L.NewFunction(j.valid))
	return tbl, nil
}

func (j *jsonModule) encode(L *lua.LState) int {
	v := L.CheckAny(1)
	data, err := json.Marshal(luaToGo(v))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func (j *jsonModule) decode(L *lua.LState) int {
	doc := L.CheckString(1)
	if !gjson.Valid(doc) {
		L.Push(lua.LNil)
		L.Push(lua.LString("invalid JSON document"))
		return 2
	}
	L.Push(resultToLua(L, gjson.Parse(doc)))
	return 1
}

func (j *jsonModule) get(L *lua.LState) int {
	doc := L.CheckString(1)
	path := L.CheckString(2)
	result := gjson.Get(doc, path)
	if !result.Exists() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(resultToLua(L, result))
	return 1
}

func (j *jsonModule) set(L *lua.LState) int {
	doc := L.CheckString(1)
	path := L.CheckString(2)
	value := L.CheckAny(3)
	updated, err := sjson.Set(doc, path, luaToGo(value))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(updated))
	return 1
}

func (j *jsonModule) valid(L *lua.LState) int {
	L.Push(lua.LBool(gjson.Valid(L.CheckString(1))))
	return 1
}

// resultToLua converts a gjson result tree into Lua values.
func resultToLua(L *lua.LState, r gjson.Result) lua.LValue {
	switch {
	case r.IsArray():
		tbl := L.NewTable()
		for i, item := range r.Array() {
			tbl.RawSetInt(i+1, resultToLua(L, item))
		}
		return tbl
	case r.IsObject():
		tbl := L.NewTable()
		r.ForEach(func(k, v gjson.Result) bool {
			tbl.RawSetString(k.String(), resultToLua(L, v))
			return true
		})
		return tbl
	case r.Type == gjson.String:
		return lua.LString(r.String())
	case r.Type == gjson.Number:
		return lua.LNumber(r.Float())
	case r.Type == gjson.True:
		return lua.LTrue
	case r.Type == gjson.False:
		return lua.LFalse
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value into the plain Go shapes json.Marshal and
// sjson.Set accept. Tables with only contiguous integer keys become
// slices; everything else becomes a map.
func luaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		maxN := val.MaxN()
		if maxN > 0 {
			arr := make([]interface{}, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]interface{})
		val.ForEach(func(k, item lua.LValue) {
			obj[lua.LVAsString(k)] = luaToGo(item)
		})
		return obj
	default:
		return nil
	}
}
