package lua

import (
	"encoding/json"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// JSONService exposes json.encode and json.decode to Lua scripts
type JSONService struct{}

// NewJSONService creates a JSON service
func NewJSONService() *JSONService {
	return &JSONService{}
}

// Register adds the JSON service to the Lua state
// Usage in Lua:
//
//	local obj = json.decode(response.body)
//	local body = json.encode({requests = {}})
func (s *JSONService) Register(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "encode", L.NewFunction(s.luaEncode))
	L.SetField(mod, "decode", L.NewFunction(s.luaDecode))
	L.SetGlobal("json", mod)
}

func (s *JSONService) luaEncode(L *lua.LState) int {
	value := LuaToGo(L.CheckAny(1))
	b, err := json.Marshal(value)
	if err != nil {
		return pushError(L, fmt.Sprintf("failed to encode JSON: %v", err))
	}
	L.Push(lua.LString(string(b)))
	return 1
}

func (s *JSONService) luaDecode(L *lua.LState) int {
	var value any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &value); err != nil {
		return pushError(L, fmt.Sprintf("failed to decode JSON: %v", err))
	}
	L.Push(GoToLua(L, value))
	return 1
}

// GoToLua converts a Go value produced by encoding/json (or plain Go maps and
// slices) into a Lua value.
func GoToLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case json.Number:
		f, _ := v.Float64()
		return lua.LNumber(f)
	case []any:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(GoToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for key, item := range v {
			tbl.RawSetString(key, GoToLua(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.NewTable()
		for key, item := range v {
			tbl.RawSetString(key, lua.LString(item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// LuaToGo converts a Lua value to a Go value.
// Tables with consecutive integer keys starting at 1 become slices; other tables become maps.
// Integral numbers become int64 so they round-trip through JSON unchanged.
func LuaToGo(value lua.LValue) any {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToGo(v)
	default:
		return v.String()
	}
}

func tableToGo(tbl *lua.LTable) any {
	n := tbl.MaxN()
	if n > 0 {
		count := 0
		tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if count == n {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, LuaToGo(tbl.RawGetInt(i)))
			}
			return arr
		}
	}

	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = LuaToGo(v)
	})
	return m
}
