package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/project-kessel/dirfed/internal/directory"
)

// EntityFilter is a directory.EntityFilter backed by a CEL expression.
//
// The expression must evaluate to a bool; true keeps the entity.
//
// Example expressions:
//
//	// Only principals from the corporate domain
//	domain(entity.properties.userPrincipalName) == "contoso.com"
//
//	// Hide service accounts
//	!lower(entity.properties.displayName).startsWith("svc-")
//
//	// Groups are always kept, guests only with a mail address
//	entity.kind == "group" || entity.class == "Member" || "mail" in entity.properties
type EntityFilter struct {
	expression string
	tenant     map[string]any
	program    cel.Program
}

// NewEntityFilter compiles the expression once. The returned filter is safe for
// concurrent use.
func NewEntityFilter(expression string, tenantID, tenantName string) (*EntityFilter, error) {
	if expression == "" {
		return nil, fmt.Errorf("CEL expression cannot be empty")
	}

	env, err := cel.NewEnv(EntityInputLibrary())
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must evaluate to a bool, got %s", out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &EntityFilter{
		expression: expression,
		tenant:     map[string]any{"id": tenantID, "name": tenantName},
		program:    program,
	}, nil
}

// Keep implements directory.EntityFilter
func (f *EntityFilter) Keep(entity directory.Entity) (bool, error) {
	result, _, err := f.program.Eval(map[string]any{
		"entity": entityToMap(entity),
		"tenant": f.tenant,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	keep, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression must evaluate to a bool, got: %T", result.Value())
	}
	return keep, nil
}

// Expression returns the CEL source of this filter
func (f *EntityFilter) Expression() string {
	return f.expression
}
