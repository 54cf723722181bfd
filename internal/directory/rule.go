// Package directory defines the types shared by the federation engine: field
// mapping rules, request and tenant descriptors, query plans and the entities
// returned by remote directories.
package directory

import (
	"fmt"
	"strings"
)

// EntityKind identifies the kind of directory object a rule or entity refers to.
type EntityKind string

const (
	EntityKindUser  EntityKind = "user"
	EntityKindGroup EntityKind = "group"
)

// ParseEntityKind converts a configuration string to an EntityKind
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(s) {
	case "user", "users":
		return EntityKindUser, nil
	case "group", "groups":
		return EntityKindGroup, nil
	default:
		return "", fmt.Errorf("unknown entity kind: %s (supported: user, group)", s)
	}
}

// PropertyType describes the value type of a directory property.
// It matters for filtering: identifier lookups only accept well-formed GUIDs.
type PropertyType string

const (
	PropertyTypeString PropertyType = "string"
	PropertyTypeGUID   PropertyType = "guid"
)

// Rule is one row of the field mapping table.
//
// A rule is either a standard rule or the identity rule. The identity variant is
// marked by a non-nil Identity, which carries the property used to match guest
// principals.
type Rule struct {
	// EntityKind is the kind of object this rule searches.
	EntityKind EntityKind `json:"entity_kind" koanf:"entity_kind"`

	// Property is the remote property name, e.g. "mail" or "displayName".
	// When Extension is set, this is the bare attribute name and the tenant's
	// application id is substituted into the final property name.
	Property string `json:"property" koanf:"property"`

	// Extension marks a tenant-scoped extension attribute.
	Extension bool `json:"extension,omitempty" koanf:"extension"`

	// PropertyType is the value type of Property. Defaults to string.
	PropertyType PropertyType `json:"property_type,omitempty" koanf:"property_type"`

	// ClaimType is set only on the identity rule and the group identifier rule.
	ClaimType string `json:"claim_type,omitempty" koanf:"claim_type"`

	// SupportsWildcard allows prefix matching. When false, equality is always used.
	SupportsWildcard bool `json:"supports_wildcard" koanf:"supports_wildcard"`

	// MetadataOnly rules are selected for display metadata but never filtered on.
	MetadataOnly bool `json:"metadata_only,omitempty" koanf:"metadata_only"`

	// Identity is non-nil only for the identity rule.
	Identity *IdentityRule `json:"identity,omitempty" koanf:"identity"`
}

// IdentityRule holds the fields specific to the identity rule variant.
type IdentityRule struct {
	// GuestProperty is the property guest principals are keyed by.
	// Empty means guests are keyed by the same property as members.
	GuestProperty string `json:"guest_property,omitempty" koanf:"guest_property"`

	// GuestExtension marks GuestProperty as a tenant-scoped extension attribute.
	// It is independent of the rule's Extension flag.
	GuestExtension bool `json:"guest_extension,omitempty" koanf:"guest_extension"`
}

// IsIdentity reports whether this is the identity rule.
func (r Rule) IsIdentity() bool {
	return r.Identity != nil
}

// Filterable reports whether the rule contributes a filter clause.
func (r Rule) Filterable() bool {
	return !r.MetadataOnly
}

// GuestProperty returns the bare name of the property used for guest principals.
func (r Rule) GuestProperty() string {
	if r.Identity == nil || r.Identity.GuestProperty == "" {
		return r.Property
	}
	return r.Identity.GuestProperty
}

// GuestPropertyName resolves the guest property for a tenant. Without an
// explicit guest property, guests share the member property and its namespace.
func (r Rule) GuestPropertyName(extensionAppID string) string {
	if r.Identity == nil || r.Identity.GuestProperty == "" {
		return r.PropertyName(extensionAppID)
	}
	if r.Identity.GuestExtension {
		return ExtensionPropertyName(extensionAppID, r.Identity.GuestProperty)
	}
	return r.Identity.GuestProperty
}

// PropertyName resolves the remote property name for a tenant.
// Extension attributes are addressed as extension_<appId without dashes>_<name>.
func (r Rule) PropertyName(extensionAppID string) string {
	if !r.Extension {
		return r.Property
	}
	return ExtensionPropertyName(extensionAppID, r.Property)
}

// ExtensionPropertyName builds the compound name of an extension attribute.
func ExtensionPropertyName(appID, name string) string {
	return fmt.Sprintf("extension_%s_%s", strings.ReplaceAll(appID, "-", ""), name)
}

// MappingTable is the ordered list of field mapping rules.
type MappingTable []Rule

// Validate checks the table: exactly one identity rule, and unique
// properties per entity kind among filterable rules.
func (t MappingTable) Validate() error {
	identities := 0
	seen := make(map[EntityKind]map[string]bool)

	for i, r := range t {
		if r.Property == "" {
			return fmt.Errorf("rule %d: property is required", i)
		}
		if r.EntityKind != EntityKindUser && r.EntityKind != EntityKindGroup {
			return fmt.Errorf("rule %d (%s): unknown entity kind %q", i, r.Property, r.EntityKind)
		}
		switch r.PropertyType {
		case "", PropertyTypeString, PropertyTypeGUID:
		default:
			return fmt.Errorf("rule %d (%s): unknown property type %q", i, r.Property, r.PropertyType)
		}

		if r.IsIdentity() {
			identities++
			if r.EntityKind != EntityKindUser {
				return fmt.Errorf("rule %d (%s): identity rule must target users", i, r.Property)
			}
			if r.MetadataOnly {
				return fmt.Errorf("rule %d (%s): identity rule cannot be metadata only", i, r.Property)
			}
			if r.Identity.GuestExtension && r.Identity.GuestProperty == "" {
				return fmt.Errorf("rule %d (%s): guest_extension requires guest_property", i, r.Property)
			}
		}

		if !r.Filterable() {
			continue
		}
		if seen[r.EntityKind] == nil {
			seen[r.EntityKind] = make(map[string]bool)
		}
		key := strings.ToLower(r.Property)
		if r.Extension {
			key = "extension:" + key
		}
		if seen[r.EntityKind][key] {
			return fmt.Errorf("rule %d: duplicate %s property %q", i, r.EntityKind, r.Property)
		}
		seen[r.EntityKind][key] = true
	}

	if identities != 1 {
		return fmt.Errorf("mapping table must contain exactly one identity rule, found %d", identities)
	}
	return nil
}

// Active returns the ordered subset of rules for the given entity kinds.
// With no kinds, all rules are returned.
func (t MappingTable) Active(kinds ...EntityKind) []Rule {
	if len(kinds) == 0 {
		return append([]Rule(nil), t...)
	}

	wanted := make(map[EntityKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	var rules []Rule
	for _, r := range t {
		if wanted[r.EntityKind] {
			rules = append(rules, r)
		}
	}
	return rules
}

// Identity returns the identity rule, if present.
func (t MappingTable) Identity() (Rule, bool) {
	for _, r := range t {
		if r.IsIdentity() {
			return r, true
		}
	}
	return Rule{}, false
}

// Well-known claim types used by the default table.
const (
	ClaimTypeUPN  = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/upn"
	ClaimTypeRole = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
)

// DefaultMappingTable returns the built-in field mapping table used when the
// configuration does not provide one.
func DefaultMappingTable() MappingTable {
	return MappingTable{
		{
			EntityKind:       EntityKindUser,
			Property:         "userPrincipalName",
			ClaimType:        ClaimTypeUPN,
			SupportsWildcard: true,
			Identity:         &IdentityRule{GuestProperty: "mail"},
		},
		{EntityKind: EntityKindUser, Property: "displayName", SupportsWildcard: true},
		{EntityKind: EntityKindUser, Property: "givenName", SupportsWildcard: true},
		{EntityKind: EntityKindUser, Property: "surname", SupportsWildcard: true},
		{EntityKind: EntityKindUser, Property: "jobTitle", MetadataOnly: true},
		{EntityKind: EntityKindUser, Property: "department", MetadataOnly: true},
		{
			EntityKind:   EntityKindGroup,
			Property:     "id",
			PropertyType: PropertyTypeGUID,
			ClaimType:    ClaimTypeRole,
		},
		{EntityKind: EntityKindGroup, Property: "displayName", SupportsWildcard: true},
		{EntityKind: EntityKindGroup, Property: "description", MetadataOnly: true},
	}
}
