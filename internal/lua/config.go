package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ConfigSource provides configuration values to scripts
type ConfigSource interface {
	// Get returns the value for a dotted key such as "graph.endpoint"
	Get(key string) (any, bool)
}

// MapConfigSource is a ConfigSource backed by a nested map
type MapConfigSource struct {
	values map[string]any
}

// NewMapConfigSource creates a config source from a (possibly nested) map
func NewMapConfigSource(values map[string]any) *MapConfigSource {
	if values == nil {
		values = map[string]any{}
	}
	return &MapConfigSource{values: values}
}

// Get implements ConfigSource. A flat key containing dots wins over traversal.
func (s *MapConfigSource) Get(key string) (any, bool) {
	if v, ok := s.values[key]; ok {
		return v, true
	}

	var current any = s.values
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ConfigService exposes config.get to Lua scripts
type ConfigService struct {
	source ConfigSource
}

// NewConfigService creates a config service reading from source
func NewConfigService(source ConfigSource) *ConfigService {
	return &ConfigService{source: source}
}

// Register adds the config service to the Lua state
// Usage in Lua:
//
//	local endpoint = config.get("endpoint")
//	local top = config.get("page_size", 25)
func (s *ConfigService) Register(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(s.luaGet))
	L.SetGlobal("config", mod)
}

func (s *ConfigService) luaGet(L *lua.LState) int {
	key := L.CheckString(1)
	fallback := L.Get(2)

	value, ok := s.source.Get(key)
	if !ok {
		L.Push(fallback)
		return 1
	}
	L.Push(GoToLua(L, value))
	return 1
}
