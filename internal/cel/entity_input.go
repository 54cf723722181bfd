package cel

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/project-kessel/dirfed/internal/directory"
)

// EntityInputLibrary creates a CEL library for evaluating expressions against
// one directory entity.
//
// This provides compile-time declarations for:
//   - entity - the entity as a map: kind, id, tenant_id, class and properties
//   - tenant - the owning tenant as a map: id and name
//   - domain(s) - the part after the last "@" of a principal name, lower-cased
//   - lower(s) - lower-cases a string
func EntityInputLibrary() cel.EnvOption {
	return cel.Lib(&entityInputLib{})
}

type entityInputLib struct{}

func (lib *entityInputLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Variable("entity", cel.DynType),
		cel.Variable("tenant", cel.DynType),
		cel.Function("domain",
			cel.Overload("domain_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(domainOf),
			),
		),
		cel.Function("lower",
			cel.Overload("lower_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(lowerOf),
			),
		),
	}
}

func (lib *entityInputLib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}

func domainOf(arg ref.Val) ref.Val {
	s, ok := arg.Value().(string)
	if !ok {
		return types.NewErr("domain argument must be a string")
	}
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return types.String("")
	}
	return types.String(strings.ToLower(s[i+1:]))
}

func lowerOf(arg ref.Val) ref.Val {
	s, ok := arg.Value().(string)
	if !ok {
		return types.NewErr("lower argument must be a string")
	}
	return types.String(strings.ToLower(s))
}

// entityToMap converts an entity for CEL access.
// Properties are always present so expressions can use `in` without null checks.
func entityToMap(e directory.Entity) map[string]any {
	props := e.Properties
	if props == nil {
		props = map[string]any{}
	}

	m := map[string]any{
		"kind":       string(e.Kind),
		"id":         e.ID,
		"tenant_id":  e.TenantID,
		"properties": props,
	}
	if e.Kind == directory.EntityKindUser {
		m["class"] = string(e.Class())
	}
	return m
}
