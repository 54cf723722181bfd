// Package claims projects directory entities into the claims callers pick from.
package claims

import (
	"github.com/project-kessel/dirfed/internal/directory"
)

// Claim is the claim an entity is selected by: the claim type of its mapping
// rule and the entity's value for that rule's property.
type Claim struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// Resolve finds the claim for an entity. The first rule of the entity's kind
// that declares a claim type wins. Guests are keyed by the identity rule's
// guest property.
//
// Resolve reports false when no rule applies or the entity lacks the value.
func Resolve(entity directory.Entity, rules []directory.Rule, extensionAppID string) (Claim, bool) {
	for _, rule := range rules {
		if rule.EntityKind != entity.Kind || rule.ClaimType == "" {
			continue
		}

		property := rule.PropertyName(extensionAppID)
		if rule.IsIdentity() && entity.Class() == directory.MembershipGuest {
			property = rule.GuestPropertyName(extensionAppID)
		}

		value := entity.StringProperty(property)
		if value == "" {
			return Claim{}, false
		}
		return Claim{Type: rule.ClaimType, Value: value}, true
	}
	return Claim{}, false
}
