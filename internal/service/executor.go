package service

import (
	"context"
	"fmt"
	"time"

	"github.com/project-kessel/dirfed/internal/clock"
	"github.com/project-kessel/dirfed/internal/directory"
)

const (
	// DefaultRetryDelay is the fixed pause between attempts against one tenant
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultTenantTimeout applies when a tenant has no timeout configured
	DefaultTenantTimeout = 4 * time.Second
)

// Outcome is the result of querying one tenant.
type Outcome struct {
	TenantID   string
	TenantName string

	// Entities is empty when the query failed
	Entities []directory.Entity

	// Elapsed is zero when the tenant was skipped
	Elapsed time.Duration

	// Attempts made against the tenant's client
	Attempts int

	// Skipped is set when the plan had nothing to query
	Skipped bool

	Err        error
	ErrorClass ErrorClass
}

// Failed reports whether the tenant query ended in an error
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// Executor runs one tenant's plan with retry, timeout and local result filtering.
type Executor struct {
	retryDelay     time.Duration
	defaultTimeout time.Duration
	clock          clock.Clock
}

// ExecutorOption is a functional option for configuring Executor
type ExecutorOption func(*Executor)

// WithRetryDelay sets the fixed delay between attempts
func WithRetryDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.retryDelay = d
	}
}

// WithDefaultTimeout sets the budget used for tenants without a timeout
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.defaultTimeout = d
	}
}

// WithClock sets the clock used to measure elapsed time
func WithClock(clk clock.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = clk
	}
}

// NewExecutor creates a tenant query executor
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		retryDelay:     DefaultRetryDelay,
		defaultTimeout: DefaultTenantTimeout,
		clock:          clock.NewSystemClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan against its tenant.
//
// Execute never returns an error and never panics: every failure is classified
// and recorded on the returned outcome, so one tenant cannot abort the request.
func (e *Executor) Execute(ctx context.Context, plan directory.Plan, maxAttempts int, probe FederationProbe) (outcome *Outcome) {
	tenant := plan.Tenant
	outcome = &Outcome{
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
	}

	if plan.Empty() {
		outcome.Skipped = true
		probe.TenantQuerySkipped(tenant)
		return outcome
	}

	start := e.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome.Entities = nil
			outcome.Err = fmt.Errorf("tenant %s: %w", tenant.ID, &UnexpectedError{Value: r})
		}

		outcome.Elapsed = e.clock.Now().Sub(start)
		outcome.ErrorClass = Classify(outcome.Err)

		if outcome.Failed() {
			probe.TenantQueryFailed(outcome)
		} else {
			probe.TenantQuerySucceeded(outcome)
		}
	}()

	probe.TenantQueryStarted(plan)

	if tenant.Client == nil {
		outcome.Err = fmt.Errorf("tenant %s: %w", tenant.ID, &UnexpectedError{Value: "no client configured"})
		return outcome
	}

	timeout := tenant.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = directory.WithTruncationFunc(ctx, func(kind directory.EntityKind, pages int) {
		probe.TenantResultsTruncated(tenant, kind, pages)
	})

	entities, attempts, err := e.search(ctx, plan, maxAttempts, probe)
	outcome.Attempts = attempts
	if err != nil {
		outcome.Err = fmt.Errorf("tenant %s: %w", tenant.ID, err)
		return outcome
	}

	outcome.Entities = e.refine(tenant, entities, probe)
	return outcome
}

// search calls the tenant client until it succeeds, the error is terminal,
// attempts run out or the budget expires.
func (e *Executor) search(ctx context.Context, plan directory.Plan, maxAttempts int, probe FederationProbe) ([]directory.Entity, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	queries := plan.Queries()

	for attempt := 1; ; attempt++ {
		entities, err := plan.Tenant.Client.Search(ctx, queries)
		if err == nil {
			return entities, attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			probe.TenantAttemptFailed(plan.Tenant, attempt, err, false)
			return nil, attempt, fmt.Errorf("query abandoned after %d attempt(s): %w", attempt, ctxErr)
		}

		retry := attempt < maxAttempts && shouldRetry(err)
		probe.TenantAttemptFailed(plan.Tenant, attempt, err, retry)
		if !retry {
			return nil, attempt, err
		}

		timer := time.NewTimer(e.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, fmt.Errorf("query abandoned after %d attempt(s): %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// refine applies the tenant's membership-class policy and result filter.
// Both run locally because the remote API cannot reliably filter on them.
func (e *Executor) refine(tenant directory.Tenant, entities []directory.Entity, probe FederationProbe) []directory.Entity {
	kept := make([]directory.Entity, 0, len(entities))
	for _, entity := range entities {
		if entity.TenantID == "" {
			entity.TenantID = tenant.ID
		}

		if entity.Kind == directory.EntityKindUser && !tenant.Keeps(entity.Class()) {
			continue
		}

		if tenant.ResultFilter != nil {
			keep, err := tenant.ResultFilter.Keep(entity)
			if err != nil {
				probe.EntityFilterFailed(tenant, entity, err)
				continue
			}
			if !keep {
				continue
			}
		}

		kept = append(kept, entity)
	}
	return kept
}
