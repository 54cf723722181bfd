package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/project-kessel/dirfed/internal/directory"
	luaservices "github.com/project-kessel/dirfed/internal/lua"
	"github.com/project-kessel/dirfed/internal/service"
)

// LuaClient is a directory.Client backed by a Lua script.
// The script has access to the http, config, and json services and must define
// a function called 'search'.
type LuaClient struct {
	name         string
	script       string
	configSource luaservices.ConfigSource
	httpConfig   luaservices.HTTPServiceConfig
}

// LuaClientConfig configures a scripted tenant client
type LuaClientConfig struct {
	// Name identifies the tenant this client serves
	Name string

	// Script is the Lua script to execute.
	// 'search' is called once per query with a table
	// {kind, filter, select, input, exact_match} and returns an array of entity
	// tables, each with at least an 'id' field. Every field becomes an entity property.
	// To report a failure, return nil and either a message or a table
	// {status = <http status>, message = <text>}.
	//
	// Example:
	//   function search(query)
	//     local url = config.get("endpoint") .. "/" .. query.kind .. "s?q=" .. query.input
	//     local response, err = http.get(url)
	//     if response == nil then return nil, err end
	//     if response.status ~= 200 then
	//       return nil, {status = response.status, message = response.body}
	//     end
	//     return json.decode(response.body).value
	//   end
	Script string

	// ConfigSource provides values available to the script via config.get().
	// If nil, an empty MapConfigSource is used.
	ConfigSource luaservices.ConfigSource

	// HTTPConfig configures the http service (timeout, transport, request options).
	// If nil, a 30s timeout over the default transport is used.
	HTTPConfig *luaservices.HTTPServiceConfig
}

// NewLuaClient validates the script and creates a client
func NewLuaClient(config LuaClientConfig) (*LuaClient, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	if config.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	if config.ConfigSource == nil {
		config.ConfigSource = luaservices.NewMapConfigSource(nil)
	}

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(config.Script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}
	if L.GetGlobal("search").Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'search' function")
	}

	httpConfig := luaservices.HTTPServiceConfig{Timeout: 30 * time.Second}
	if config.HTTPConfig != nil {
		httpConfig = *config.HTTPConfig
	}

	return &LuaClient{
		name:         config.Name,
		script:       config.Script,
		configSource: config.ConfigSource,
		httpConfig:   httpConfig,
	}, nil
}

// Name returns the client name
func (c *LuaClient) Name() string {
	return c.name
}

// Search runs the script's search function for each query.
// Each call gets a fresh Lua state bound to ctx, so concurrent searches share nothing
// and a canceled context stops the script.
func (c *LuaClient) Search(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	luaservices.NewHTTPServiceWithConfig(c.httpConfig).WithContext(ctx).Register(L)
	luaservices.NewConfigService(c.configSource).Register(L)
	luaservices.NewJSONService().Register(L)

	if err := L.DoString(c.script); err != nil {
		return nil, c.scriptFailure(ctx, err)
	}

	var entities []directory.Entity
	for _, query := range queries {
		found, err := c.search(ctx, L, query)
		if err != nil {
			return nil, err
		}
		entities = append(entities, found...)
	}
	return entities, nil
}

func (c *LuaClient) search(ctx context.Context, L *lua.LState, query directory.Query) ([]directory.Entity, error) {
	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("search"),
		NRet:    2,
		Protect: true,
	}, queryToLua(L, query)); err != nil {
		return nil, c.scriptFailure(ctx, err)
	}

	ret, failure := L.Get(-2), L.Get(-1)
	L.Pop(2)

	if ret.Type() == lua.LTNil {
		if failure.Type() == lua.LTNil {
			return nil, nil
		}
		return nil, c.toScriptError(failure)
	}

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s: search must return a table or nil, got %s", c.name, ret.Type())
	}

	var entities []directory.Entity
	for i := 1; i <= tbl.Len(); i++ {
		item, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%s: search result %d is not a table", c.name, i)
		}
		entity, err := toEntity(query.Kind, item)
		if err != nil {
			return nil, fmt.Errorf("%s: search result %d: %w", c.name, i, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// scriptFailure reports a canceled context as such so the engine classifies it as a timeout.
func (c *LuaClient) scriptFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: script interrupted: %w", c.name, ctxErr)
	}
	return fmt.Errorf("%s: script execution failed: %w", c.name, err)
}

func (c *LuaClient) toScriptError(failure lua.LValue) *ScriptError {
	se := &ScriptError{Client: c.name}
	switch v := failure.(type) {
	case *lua.LTable:
		if status, ok := v.RawGetString("status").(lua.LNumber); ok {
			se.StatusCode = int(status)
		}
		se.Message = lua.LVAsString(v.RawGetString("message"))
	default:
		se.Message = failure.String()
	}
	return se
}

func queryToLua(L *lua.LState, query directory.Query) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "kind", lua.LString(query.Kind))
	L.SetField(tbl, "filter", lua.LString(query.Filter))
	L.SetField(tbl, "input", lua.LString(query.Input))
	L.SetField(tbl, "exact_match", lua.LBool(query.ExactMatch))

	sel := L.NewTable()
	for _, property := range query.Select {
		sel.Append(lua.LString(property))
	}
	L.SetField(tbl, "select", sel)
	return tbl
}

func toEntity(kind directory.EntityKind, tbl *lua.LTable) (directory.Entity, error) {
	id, ok := tbl.RawGetString(directory.PropertyID).(lua.LString)
	if !ok || id == "" {
		return directory.Entity{}, errors.New("entity has no id")
	}

	properties := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if k.Type() == lua.LTString {
			properties[k.String()] = luaservices.LuaToGo(v)
		}
	})

	return directory.Entity{
		Kind:       kind,
		ID:         string(id),
		Properties: properties,
	}, nil
}

// ScriptError is a failure reported by a search script
type ScriptError struct {
	Client     string
	StatusCode int
	Message    string
}

func (e *ScriptError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: search failed: %s", e.Client, e.Message)
	}
	return fmt.Sprintf("%s: search failed with status %d: %s", e.Client, e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient.
// Failures without a status are treated like transport errors.
func (e *ScriptError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// Is matches service.ErrAuthorizationDenied for 401 and 403
func (e *ScriptError) Is(target error) bool {
	return target == service.ErrAuthorizationDenied &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}
