package directory

import "strings"

// Well-known properties the engine relies on.
const (
	PropertyID                = "id"
	PropertyUserPrincipalName = "userPrincipalName"
	PropertyMail              = "mail"
	PropertyUserType          = "userType"
	PropertyDisplayName       = "displayName"
)

// MembershipClass is the sub-class of a user principal within a tenant.
type MembershipClass string

const (
	MembershipMember MembershipClass = "Member"
	MembershipGuest  MembershipClass = "Guest"
)

// Entity is a user or group returned by a tenant.
type Entity struct {
	Kind       EntityKind     `json:"kind"`
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// StringProperty returns the named property as a string, or "" when absent or not a string.
func (e Entity) StringProperty(name string) string {
	s, _ := e.Properties[name].(string)
	return s
}

// Class returns the membership class of a user. Users without a userType are members.
func (e Entity) Class() MembershipClass {
	if strings.EqualFold(e.StringProperty(PropertyUserType), string(MembershipGuest)) {
		return MembershipGuest
	}
	return MembershipMember
}
