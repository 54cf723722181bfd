package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/filter"
)

// Federator fans one request out to every tenant and merges the results.
// This is the core business logic that brings together the filter builder,
// the executor and the aggregator.
type Federator struct {
	executor *Executor
	observer FederationObserver
}

// NewFederator creates a new federator
func NewFederator(executor *Executor, observer FederationObserver) *Federator {
	// Use null object pattern - default to no-op observer if none provided
	if observer == nil {
		observer = NoOpFederationObserver()
	}
	if executor == nil {
		executor = NewExecutor()
	}
	return &Federator{
		executor: executor,
		observer: observer,
	}
}

// Result is the merged outcome of one federated request.
type Result struct {
	// RequestID correlates this result with logs
	RequestID string

	// Entities from every successful tenant, in no particular order
	Entities []directory.Entity

	// Outcomes has one entry per tenant, in the order the tenants were given
	Outcomes []*Outcome
}

// Failed returns the outcomes of tenants that failed
func (r *Result) Failed() []*Outcome {
	var failed []*Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Federate queries all tenants in parallel and waits for every one of them to
// settle, either with results or with its own contained error.
//
// Tenant descriptors are cloned before any plan data is derived, so the caller's
// configuration is never mutated and concurrent requests never share plan state.
func (f *Federator) Federate(ctx context.Context, req *directory.Request, tenants []directory.Tenant) *Result {
	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Operation == "" {
		r.Operation = directory.OperationSearch
	}

	clones := make([]directory.Tenant, len(tenants))
	for i, t := range tenants {
		clones[i] = t.Clone()
	}

	plans := filter.Build(&r, clones)

	ctx, probe := f.observer.FederationStarted(ctx, &r, len(plans))
	defer probe.End()

	// Each goroutine writes only its own slot
	outcomes := make([]*Outcome, len(plans))
	maxAttempts := r.Operation.MaxAttempts()

	var wg sync.WaitGroup
	for i, plan := range plans {
		wg.Go(func() {
			outcomes[i] = f.executor.Execute(ctx, plan, maxAttempts, probe)
		})
	}
	wg.Wait()

	result := &Result{
		RequestID: r.ID,
		Entities:  Aggregate(outcomes),
		Outcomes:  outcomes,
	}
	probe.FederationCompleted(result)

	return result
}

// Aggregate concatenates the entities of all successful outcomes.
//
// There is no global deduplication: the same display value in two tenants
// belongs to two distinct principals.
func Aggregate(outcomes []*Outcome) []directory.Entity {
	total := 0
	for _, o := range outcomes {
		if o != nil && !o.Failed() {
			total += len(o.Entities)
		}
	}

	entities := make([]directory.Entity, 0, total)
	for _, o := range outcomes {
		if o == nil || o.Failed() {
			continue
		}
		entities = append(entities, o.Entities...)
	}
	return entities
}
