// Package filter translates a resolution request into per-tenant query plans
// expressed in the remote directory's filter grammar.
package filter

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/project-kessel/dirfed/internal/directory"
)

// Properties always selected, whatever the rules ask for: the primary key and
// what is needed to classify users as members or guests.
var (
	requiredUserSelect = []string{
		directory.PropertyID,
		directory.PropertyUserPrincipalName,
		directory.PropertyMail,
		directory.PropertyUserType,
		directory.PropertyDisplayName,
	}
	requiredGroupSelect = []string{
		directory.PropertyID,
		directory.PropertyDisplayName,
	}
)

// Build computes one plan per tenant for the request.
//
// Build is a pure function: it performs no I/O and keeps no state between calls.
// Tenants are expected to be request-scoped copies; each plan embeds its own copy.
func Build(req *directory.Request, tenants []directory.Tenant) []directory.Plan {
	users := collect(req, directory.EntityKindUser)
	groups := collect(req, directory.EntityKindGroup)

	plans := make([]directory.Plan, 0, len(tenants))
	for _, tenant := range tenants {
		appID := tenant.ExtensionAttributesApplicationID
		plans = append(plans, directory.Plan{
			Tenant: tenant,
			Users:  users.render(appID, req),
			Groups: groups.render(appID, req),
		})
	}
	return plans
}

// Escape doubles single quotes so the value can be embedded in a quoted literal.
func Escape(input string) string {
	return strings.ReplaceAll(input, "'", "''")
}

// kindPlan is the tenant-independent part of one entity kind's query.
// Property names are resolved per tenant in render.
type kindPlan struct {
	kind     directory.EntityKind
	clauses  []clause
	required []string
	selected []directory.Rule
}

// clause is one filter term produced by a rule
type clause struct {
	rule  directory.Rule
	value string
	exact bool
}

func collect(req *directory.Request, kind directory.EntityKind) kindPlan {
	plan := kindPlan{kind: kind}
	switch kind {
	case directory.EntityKindUser:
		plan.required = requiredUserSelect
	case directory.EntityKindGroup:
		plan.required = requiredGroupSelect
	}

	escaped := Escape(req.Input)

	for _, rule := range req.Rules {
		if rule.EntityKind != kind {
			continue
		}

		plan.selected = append(plan.selected, rule)
		if !rule.Filterable() {
			continue
		}

		// An identifier lookup against a non-GUID value is rejected remotely
		if rule.PropertyType == directory.PropertyTypeGUID && !isCanonicalGUID(req.Input) {
			continue
		}

		plan.clauses = append(plan.clauses, clause{
			rule:  rule,
			value: escaped,
			exact: req.ExactMatch || !rule.SupportsWildcard,
		})
	}

	return plan
}

// isCanonicalGUID accepts only the dashed 36 character form. uuid.Validate also
// takes braced, urn:uuid: and undashed input, which directories refuse.
func isCanonicalGUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

// render resolves the plan for a tenant's extension attribute namespace.
func (p kindPlan) render(appID string, req *directory.Request) directory.Query {
	q := directory.Query{
		Kind:       p.kind,
		Input:      req.Input,
		ExactMatch: req.ExactMatch,
	}

	if len(p.clauses) == 0 {
		return q
	}

	terms := make([]string, 0, len(p.clauses))
	for _, c := range p.clauses {
		terms = append(terms, "("+c.render(appID)+")")
	}
	q.Filter = strings.Join(terms, " or ")

	sel := newSelectSet(p.required)
	for _, rule := range p.selected {
		sel.add(rule.PropertyName(appID))
		if rule.IsIdentity() {
			sel.add(rule.GuestPropertyName(appID))
		}
	}
	q.Select = sel.list()

	return q
}

func (c clause) render(appID string) string {
	primary := compare(c.rule.PropertyName(appID), c.value, c.exact)
	if !c.rule.IsIdentity() {
		return primary
	}

	guest := compare(c.rule.GuestPropertyName(appID), c.value, c.exact)
	return fmt.Sprintf("(%s and %s eq '%s') or (%s and %s eq '%s')",
		primary, directory.PropertyUserType, directory.MembershipMember,
		guest, directory.PropertyUserType, directory.MembershipGuest,
	)
}

// compare renders an equality or prefix comparison. value must already be escaped.
func compare(property, value string, exact bool) string {
	if exact {
		return fmt.Sprintf("%s eq '%s'", property, value)
	}
	return fmt.Sprintf("startswith(%s,'%s')", property, value)
}

// selectSet is an insertion-ordered set of property names
type selectSet struct {
	seen  map[string]bool
	order []string
}

func newSelectSet(initial []string) *selectSet {
	s := &selectSet{seen: make(map[string]bool)}
	for _, p := range initial {
		s.add(p)
	}
	return s
}

func (s *selectSet) add(property string) {
	key := strings.ToLower(property)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.order = append(s.order, property)
}

func (s *selectSet) list() []string {
	return append([]string(nil), s.order...)
}
