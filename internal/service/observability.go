package service

import (
	"context"

	"github.com/project-kessel/dirfed/internal/directory"
)

// FederationObserver creates request-scoped observability probes for federated queries.
//
// Following the pattern from https://martinfowler.com/articles/domain-oriented-observability.html#IncludingExecutionContext,
// the observer captures execution context at the start of an operation and returns a
// request-scoped probe that doesn't require context to be passed to each method.
type FederationObserver interface {
	// FederationStarted creates a new request-scoped probe for one federated request.
	// Returns an instrumented context and a probe scoped to this request.
	FederationStarted(ctx context.Context, req *directory.Request, tenantCount int) (context.Context, FederationProbe)
}

// FederationProbe provides request-scoped observability for a single federated request.
//
// Tenant methods are called from the tenant's own goroutine, so implementations
// must be safe for concurrent use.
//
// The probe lifecycle:
//  1. Created by FederationObserver.FederationStarted()
//  2. Tenant events reported via Tenant* methods, concurrently
//  3. FederationCompleted() once every tenant has settled
//  4. Terminated with End() - typically deferred
type FederationProbe interface {
	// TenantQueryStarted is called before the first attempt against a tenant.
	TenantQueryStarted(plan directory.Plan)

	// TenantQuerySkipped is called when a tenant has nothing to query.
	TenantQuerySkipped(tenant directory.Tenant)

	// TenantAttemptFailed is called after each failed attempt.
	TenantAttemptFailed(tenant directory.Tenant, attempt int, err error, willRetry bool)

	// EntityFilterFailed is called when a tenant's result filter cannot evaluate an entity.
	// The entity is dropped.
	EntityFilterFailed(tenant directory.Tenant, entity directory.Entity, err error)

	// TenantResultsTruncated is called when a tenant client stops at its page
	// limit. The entities read so far are kept.
	TenantResultsTruncated(tenant directory.Tenant, kind directory.EntityKind, pages int)

	// TenantQuerySucceeded is called with the outcome of a successful tenant query.
	TenantQuerySucceeded(outcome *Outcome)

	// TenantQueryFailed is called with the outcome of a failed tenant query.
	TenantQueryFailed(outcome *Outcome)

	// FederationCompleted is called once all tenants have settled.
	FederationCompleted(result *Result)

	// End terminates the observation. Should be deferred to ensure cleanup.
	End()
}

// ResolveObserver creates request-scoped observability probes for the resolve API.
// Follows the same pattern as FederationObserver.
type ResolveObserver interface {
	// ResolveStarted creates a new request-scoped probe for an API call.
	ResolveStarted(ctx context.Context, transport string) (context.Context, ResolveProbe)
}

// ResolveProbe provides request-scoped observability for a single resolve API call.
type ResolveProbe interface {
	// RequestDecoded is called when the incoming request was parsed.
	RequestDecoded(req *directory.Request, tenantIDs []string)

	// RequestRejected is called when the incoming request is invalid.
	RequestRejected(err error)

	// End terminates the observation. Should be deferred to ensure cleanup.
	End()
}

// ApplicationObserver provides a unified interface for all observability concerns in the application.
// Implementations can embed the NoOp* types to get default behavior for methods they don't care about.
type ApplicationObserver interface {
	FederationObserver
	ResolveObserver
}

// compositeObserver delegates to multiple observers in order.
// Useful for combining logging and metrics.
type compositeObserver struct {
	observers []ApplicationObserver
}

// NewCompositeObserver creates an observer that delegates to multiple observers.
// Observers are called in the order provided.
func NewCompositeObserver(observers ...ApplicationObserver) ApplicationObserver {
	return &compositeObserver{observers: observers}
}

func (c *compositeObserver) FederationStarted(
	ctx context.Context,
	req *directory.Request,
	tenantCount int,
) (context.Context, FederationProbe) {
	probes := make([]FederationProbe, len(c.observers))
	for i, obs := range c.observers {
		ctx, probes[i] = obs.FederationStarted(ctx, req, tenantCount)
	}
	return ctx, &compositeFederationProbe{probes: probes}
}

func (c *compositeObserver) ResolveStarted(ctx context.Context, transport string) (context.Context, ResolveProbe) {
	probes := make([]ResolveProbe, len(c.observers))
	for i, obs := range c.observers {
		ctx, probes[i] = obs.ResolveStarted(ctx, transport)
	}
	return ctx, &compositeResolveProbe{probes: probes}
}

// compositeFederationProbe delegates to multiple probes in order.
type compositeFederationProbe struct {
	probes []FederationProbe
}

func (c *compositeFederationProbe) TenantQueryStarted(plan directory.Plan) {
	for _, probe := range c.probes {
		probe.TenantQueryStarted(plan)
	}
}

func (c *compositeFederationProbe) TenantQuerySkipped(tenant directory.Tenant) {
	for _, probe := range c.probes {
		probe.TenantQuerySkipped(tenant)
	}
}

func (c *compositeFederationProbe) TenantAttemptFailed(tenant directory.Tenant, attempt int, err error, willRetry bool) {
	for _, probe := range c.probes {
		probe.TenantAttemptFailed(tenant, attempt, err, willRetry)
	}
}

func (c *compositeFederationProbe) EntityFilterFailed(tenant directory.Tenant, entity directory.Entity, err error) {
	for _, probe := range c.probes {
		probe.EntityFilterFailed(tenant, entity, err)
	}
}

func (c *compositeFederationProbe) TenantResultsTruncated(tenant directory.Tenant, kind directory.EntityKind, pages int) {
	for _, probe := range c.probes {
		probe.TenantResultsTruncated(tenant, kind, pages)
	}
}

func (c *compositeFederationProbe) TenantQuerySucceeded(outcome *Outcome) {
	for _, probe := range c.probes {
		probe.TenantQuerySucceeded(outcome)
	}
}

func (c *compositeFederationProbe) TenantQueryFailed(outcome *Outcome) {
	for _, probe := range c.probes {
		probe.TenantQueryFailed(outcome)
	}
}

func (c *compositeFederationProbe) FederationCompleted(result *Result) {
	for _, probe := range c.probes {
		probe.FederationCompleted(result)
	}
}

func (c *compositeFederationProbe) End() {
	for _, probe := range c.probes {
		probe.End()
	}
}

// compositeResolveProbe delegates to multiple ResolveProbe instances
type compositeResolveProbe struct {
	probes []ResolveProbe
}

func (c *compositeResolveProbe) RequestDecoded(req *directory.Request, tenantIDs []string) {
	for _, probe := range c.probes {
		probe.RequestDecoded(req, tenantIDs)
	}
}

func (c *compositeResolveProbe) RequestRejected(err error) {
	for _, probe := range c.probes {
		probe.RequestRejected(err)
	}
}

func (c *compositeResolveProbe) End() {
	for _, probe := range c.probes {
		probe.End()
	}
}

// NoOpFederationProbe is an exported null object implementation of FederationProbe.
// Implementations can embed this to get default no-op behavior, allowing new methods
// to be added to the interface without breaking existing implementations.
type NoOpFederationProbe struct{}

func (n *NoOpFederationProbe) TenantQueryStarted(plan directory.Plan)      {}
func (n *NoOpFederationProbe) TenantQuerySkipped(tenant directory.Tenant) {}
func (n *NoOpFederationProbe) TenantAttemptFailed(tenant directory.Tenant, attempt int, err error, willRetry bool) {
}
func (n *NoOpFederationProbe) EntityFilterFailed(tenant directory.Tenant, entity directory.Entity, err error) {
}
func (n *NoOpFederationProbe) TenantResultsTruncated(tenant directory.Tenant, kind directory.EntityKind, pages int) {
}
func (n *NoOpFederationProbe) TenantQuerySucceeded(outcome *Outcome) {}
func (n *NoOpFederationProbe) TenantQueryFailed(outcome *Outcome)    {}
func (n *NoOpFederationProbe) FederationCompleted(result *Result)    {}
func (n *NoOpFederationProbe) End()                                  {}

// NoOpResolveProbe is an exported null object implementation of ResolveProbe.
type NoOpResolveProbe struct{}

func (n *NoOpResolveProbe) RequestDecoded(req *directory.Request, tenantIDs []string) {}
func (n *NoOpResolveProbe) RequestRejected(err error)                                 {}
func (n *NoOpResolveProbe) End()                                                      {}

// NoOpApplicationObserver implements ApplicationObserver with no-op behavior.
// Use this as a default when no observability is needed.
type NoOpApplicationObserver struct{}

// NoOpFederationObserver returns an observer that does nothing.
func NoOpFederationObserver() FederationObserver {
	return &NoOpApplicationObserver{}
}

// NoOpObserver returns an application observer that does nothing.
func NoOpObserver() ApplicationObserver {
	return &NoOpApplicationObserver{}
}

func (n *NoOpApplicationObserver) FederationStarted(ctx context.Context, req *directory.Request, tenantCount int) (context.Context, FederationProbe) {
	return ctx, &NoOpFederationProbe{}
}

func (n *NoOpApplicationObserver) ResolveStarted(ctx context.Context, transport string) (context.Context, ResolveProbe) {
	return ctx, &NoOpResolveProbe{}
}
