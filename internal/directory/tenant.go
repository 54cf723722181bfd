package directory

import (
	"context"
	"time"
)

// Client is the authenticated handle to one tenant's directory.
// Clients are created by the credential layer and borrowed by the engine for the
// duration of a request. Implementations must be safe for concurrent use.
type Client interface {
	// Search runs the given queries and returns every matching entity across all pages.
	// Queries with an empty Filter are never passed in.
	Search(ctx context.Context, queries []Query) ([]Entity, error)
}

// EntityFilter is an optional per-tenant refinement applied to returned entities.
type EntityFilter interface {
	Keep(entity Entity) (bool, error)
}

// Tenant describes one configured remote directory.
type Tenant struct {
	ID   string
	Name string

	// ExtensionAttributesApplicationID namespaces extension attributes for this tenant
	ExtensionAttributesApplicationID string

	// ExcludeMemberUsers drops member-class users from results
	ExcludeMemberUsers bool

	// ExcludeGuestUsers drops guest-class users from results
	ExcludeGuestUsers bool

	// Timeout is the wall-clock budget for one request against this tenant,
	// retries included
	Timeout time.Duration

	// Client is borrowed, never owned
	Client Client

	// ResultFilter is applied after membership filtering, if set
	ResultFilter EntityFilter
}

// Clone returns a per-request copy of the tenant descriptor.
// The client and result filter are shared: both are read-only from the engine's
// point of view.
func (t Tenant) Clone() Tenant {
	return t
}

// Keeps reports whether a user of the given class passes the tenant's inclusion policy.
func (t Tenant) Keeps(class MembershipClass) bool {
	switch class {
	case MembershipGuest:
		return !t.ExcludeGuestUsers
	default:
		return !t.ExcludeMemberUsers
	}
}

// Query is one logical query against a tenant.
type Query struct {
	// Kind is the entity kind being queried
	Kind EntityKind `json:"kind"`

	// Filter is the remote filter expression. Empty means "do not query this kind".
	Filter string `json:"filter"`

	// Select lists the properties to return
	Select []string `json:"select"`

	// Input and ExactMatch are carried for clients that do not speak the
	// remote filter grammar (e.g. scripted clients)
	Input      string `json:"input"`
	ExactMatch bool   `json:"exact_match"`
}

// Plan is the per-tenant query plan computed by the filter builder.
type Plan struct {
	// Tenant is the request-scoped copy of the tenant descriptor
	Tenant Tenant

	Users  Query
	Groups Query
}

// Empty reports whether neither kind has anything to query.
func (p Plan) Empty() bool {
	return p.Users.Filter == "" && p.Groups.Filter == ""
}

// Queries returns the non-empty queries of the plan, users first.
func (p Plan) Queries() []Query {
	var queries []Query
	if p.Users.Filter != "" {
		queries = append(queries, p.Users)
	}
	if p.Groups.Filter != "" {
		queries = append(queries, p.Groups)
	}
	return queries
}

// TruncationFunc is told when a client stops paginating a query at its page
// limit and returns the entities collected so far.
type TruncationFunc func(kind EntityKind, pages int)

type truncationKey struct{}

// WithTruncationFunc returns a context whose clients report truncated results to fn
func WithTruncationFunc(ctx context.Context, fn TruncationFunc) context.Context {
	return context.WithValue(ctx, truncationKey{}, fn)
}

// ReportTruncation tells the function installed on ctx, if any, that results
// for kind were cut off after pages pages.
func ReportTruncation(ctx context.Context, kind EntityKind, pages int) {
	if fn, ok := ctx.Value(truncationKey{}).(TruncationFunc); ok && fn != nil {
		fn(kind, pages)
	}
}
