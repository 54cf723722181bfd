package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/project-kessel/dirfed/internal/clock"
	"github.com/project-kessel/dirfed/internal/directory"
)

// stubClient is a directory.Client whose responses are scripted per attempt.
type stubClient struct {
	mu      sync.Mutex
	calls   int
	queries [][]directory.Query

	// respond is invoked for every call; attempt is 1-based
	respond func(ctx context.Context, attempt int) ([]directory.Entity, error)
}

func (c *stubClient) Search(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
	c.mu.Lock()
	c.calls++
	attempt := c.calls
	c.queries = append(c.queries, queries)
	c.mu.Unlock()
	return c.respond(ctx, attempt)
}

func (c *stubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// remoteErr is a minimal RetryableError
type remoteErr struct {
	status    int
	retryable bool
}

func (e *remoteErr) Error() string   { return fmt.Sprintf("remote status %d", e.status) }
func (e *remoteErr) Retryable() bool { return e.retryable }

type authErr struct{}

func (authErr) Error() string        { return "status 403" }
func (authErr) Retryable() bool      { return false }
func (authErr) Is(target error) bool { return target == ErrAuthorizationDenied }

func entities(tenantID string, users ...string) []directory.Entity {
	out := make([]directory.Entity, 0, len(users))
	for _, u := range users {
		out = append(out, directory.Entity{
			Kind:     directory.EntityKindUser,
			ID:       u,
			TenantID: tenantID,
			Properties: map[string]any{
				directory.PropertyUserPrincipalName: u,
			},
		})
	}
	return out
}

func userPlan(tenant directory.Tenant) directory.Plan {
	return directory.Plan{
		Tenant: tenant,
		Users: directory.Query{
			Kind:   directory.EntityKindUser,
			Filter: "startswith(displayName,'jo')",
			Select: []string{"id", "displayName"},
			Input:  "jo",
		},
	}
}

func testExecutor() *Executor {
	return NewExecutor(WithRetryDelay(time.Millisecond), WithDefaultTimeout(time.Second))
}

func TestExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("empty plan makes no call and reports zero elapsed", func(t *testing.T) {
		client := &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
			t.Fatal("client should not be called")
			return nil, nil
		}}
		fakeObs := NewFakeObserver(t)
		_, probe := fakeObs.FederationStarted(ctx, &directory.Request{}, 1)

		plan := directory.Plan{Tenant: directory.Tenant{ID: "t1", Client: client}}
		outcome := testExecutor().Execute(ctx, plan, 2, probe)

		if !outcome.Skipped {
			t.Error("expected outcome to be skipped")
		}
		if outcome.Elapsed != 0 {
			t.Errorf("expected zero elapsed, got %v", outcome.Elapsed)
		}
		if outcome.Failed() {
			t.Errorf("skipped outcome should not fail: %v", outcome.Err)
		}
		if client.Calls() != 0 {
			t.Errorf("expected no client calls, got %d", client.Calls())
		}
		fakeObs.Probes[0].AssertProbeSequence(ProbeCall("TenantQuerySkipped", "t1"))
	})

	t.Run("success returns entities and records elapsed from clock", func(t *testing.T) {
		clk := clock.NewFixtureClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		client := &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
			clk.Advance(250 * time.Millisecond)
			return entities("t1", "john@contoso.com"), nil
		}}
		fakeObs := NewFakeObserver(t)
		_, probe := fakeObs.FederationStarted(ctx, &directory.Request{}, 1)

		exec := NewExecutor(WithRetryDelay(time.Millisecond), WithClock(clk))
		outcome := exec.Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}), 2, probe)

		if outcome.Failed() {
			t.Fatalf("unexpected failure: %v", outcome.Err)
		}
		if len(outcome.Entities) != 1 {
			t.Fatalf("expected 1 entity, got %d", len(outcome.Entities))
		}
		if outcome.Elapsed != 250*time.Millisecond {
			t.Errorf("expected 250ms elapsed, got %v", outcome.Elapsed)
		}
		if outcome.Attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", outcome.Attempts)
		}
		fakeObs.Probes[0].AssertProbeSequence(
			ProbeCall("TenantQueryStarted", "t1"),
			ProbeCall("TenantQuerySucceeded", "t1"),
		)
	})

	t.Run("truncated results succeed and are reported", func(t *testing.T) {
		client := &stubClient{respond: func(ctx context.Context, _ int) ([]directory.Entity, error) {
			directory.ReportTruncation(ctx, directory.EntityKindUser, 3)
			return entities("t1", "john@contoso.com"), nil
		}}
		fakeObs := NewFakeObserver(t)
		_, probe := fakeObs.FederationStarted(ctx, &directory.Request{}, 1)

		outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}), 2, probe)

		if outcome.Failed() {
			t.Fatalf("truncation must not fail the tenant: %v", outcome.Err)
		}
		if len(outcome.Entities) != 1 {
			t.Fatalf("expected 1 entity, got %d", len(outcome.Entities))
		}
		fakeObs.Probes[0].AssertProbeSequence(
			ProbeCall("TenantQueryStarted", "t1"),
			ProbeCall("TenantResultsTruncated", "t1", directory.EntityKindUser, 3),
			ProbeCall("TenantQuerySucceeded", "t1"),
		)
	})

	t.Run("retryable failure is retried up to the attempt budget", func(t *testing.T) {
		for _, tc := range []struct {
			name        string
			op          directory.OperationKind
			wantAttempt int
		}{
			{"search", directory.OperationSearch, 2},
			{"augment", directory.OperationAugment, 2},
			{"validate", directory.OperationValidate, 3},
		} {
			t.Run(tc.name, func(t *testing.T) {
				client := &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
					return nil, &remoteErr{status: 503, retryable: true}
				}}
				outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}),
					tc.op.MaxAttempts(), &NoOpFederationProbe{})

				if client.Calls() != tc.wantAttempt {
					t.Errorf("expected %d calls, got %d", tc.wantAttempt, client.Calls())
				}
				if outcome.ErrorClass != ErrorClassRemoteService {
					t.Errorf("expected remote_service, got %q", outcome.ErrorClass)
				}
			})
		}
	})

	t.Run("recovers when a later attempt succeeds", func(t *testing.T) {
		client := &stubClient{respond: func(_ context.Context, attempt int) ([]directory.Entity, error) {
			if attempt == 1 {
				return nil, &remoteErr{status: 429, retryable: true}
			}
			return entities("t1", "a@contoso.com"), nil
		}}
		fakeObs := NewFakeObserver(t)
		_, probe := fakeObs.FederationStarted(ctx, &directory.Request{}, 1)

		outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}), 2, probe)

		if outcome.Failed() {
			t.Fatalf("unexpected failure: %v", outcome.Err)
		}
		if outcome.Attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", outcome.Attempts)
		}
		fakeObs.Probes[0].AssertProbeSequence(
			ProbeCall("TenantQueryStarted", "t1"),
			ProbeCall("TenantAttemptFailed", "t1", 1, AnyError(), true),
			ProbeCall("TenantQuerySucceeded", "t1"),
		)
	})

	t.Run("authorization denied is not retried", func(t *testing.T) {
		client := &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
			return nil, authErr{}
		}}
		outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}), 3, &NoOpFederationProbe{})

		if client.Calls() != 1 {
			t.Errorf("expected 1 call, got %d", client.Calls())
		}
		if outcome.ErrorClass != ErrorClassAuthorizationDenied {
			t.Errorf("expected authorization_denied, got %q", outcome.ErrorClass)
		}
		if !errors.Is(outcome.Err, ErrAuthorizationDenied) {
			t.Errorf("expected error to wrap ErrAuthorizationDenied, got %v", outcome.Err)
		}
	})

	t.Run("non retryable remote failure is not retried", func(t *testing.T) {
		client := &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
			return nil, &remoteErr{status: 400}
		}}
		outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}), 2, &NoOpFederationProbe{})

		if client.Calls() != 1 {
			t.Errorf("expected 1 call, got %d", client.Calls())
		}
		if outcome.ErrorClass != ErrorClassRemoteService {
			t.Errorf("expected remote_service, got %q", outcome.ErrorClass)
		}
	})

	t.Run("tenant timeout abandons the query", func(t *testing.T) {
		client := &stubClient{respond: func(ctx context.Context, _ int) ([]directory.Entity, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		tenant := directory.Tenant{ID: "slow", Client: client, Timeout: 20 * time.Millisecond}

		start := time.Now()
		outcome := testExecutor().Execute(ctx, userPlan(tenant), 2, &NoOpFederationProbe{})

		if time.Since(start) > 2*time.Second {
			t.Errorf("timeout was not enforced")
		}
		if outcome.ErrorClass != ErrorClassTimeout {
			t.Errorf("expected timeout, got %q", outcome.ErrorClass)
		}
		if client.Calls() != 1 {
			t.Errorf("expected no retry after deadline, got %d calls", client.Calls())
		}
		if len(outcome.Entities) != 0 {
			t.Errorf("expected no entities, got %d", len(outcome.Entities))
		}
	})

	t.Run("panic in client is contained", func(t *testing.T) {
		client := &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
			panic("boom")
		}}
		fakeObs := NewFakeObserver(t)
		_, probe := fakeObs.FederationStarted(ctx, &directory.Request{}, 1)

		outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1", Client: client}), 2, probe)

		if outcome.ErrorClass != ErrorClassUnexpected {
			t.Errorf("expected unexpected, got %q", outcome.ErrorClass)
		}
		var unexpected *UnexpectedError
		if !errors.As(outcome.Err, &unexpected) || unexpected.Value != "boom" {
			t.Errorf("expected recovered panic value, got %v", outcome.Err)
		}
		fakeObs.Probes[0].AssertProbeSequence(
			ProbeCall("TenantQueryStarted", "t1"),
			ProbeCall("TenantQueryFailed", "t1", ErrorClassUnexpected),
		)
	})

	t.Run("missing client is an unexpected failure", func(t *testing.T) {
		outcome := testExecutor().Execute(ctx, userPlan(directory.Tenant{ID: "t1"}), 2, &NoOpFederationProbe{})

		if outcome.ErrorClass != ErrorClassUnexpected {
			t.Errorf("expected unexpected, got %q", outcome.ErrorClass)
		}
	})
}

type denyFilter struct {
	deny map[string]bool
	fail map[string]bool
}

func (f denyFilter) Keep(e directory.Entity) (bool, error) {
	if f.fail[e.ID] {
		return false, errors.New("filter exploded")
	}
	return !f.deny[e.ID], nil
}

func TestExecutor_Refine(t *testing.T) {
	ctx := context.Background()

	member := directory.Entity{Kind: directory.EntityKindUser, ID: "m", Properties: map[string]any{"userType": "Member"}}
	guest := directory.Entity{Kind: directory.EntityKindUser, ID: "g", Properties: map[string]any{"userType": "Guest"}}
	untyped := directory.Entity{Kind: directory.EntityKindUser, ID: "u", Properties: map[string]any{}}
	group := directory.Entity{Kind: directory.EntityKindGroup, ID: "grp", Properties: map[string]any{}}

	all := []directory.Entity{member, guest, untyped, group}

	ids := func(es []directory.Entity) map[string]bool {
		out := map[string]bool{}
		for _, e := range es {
			out[e.ID] = true
		}
		return out
	}

	run := func(tenant directory.Tenant, probe FederationProbe) *Outcome {
		tenant.ID = "t1"
		tenant.Client = &stubClient{respond: func(context.Context, int) ([]directory.Entity, error) {
			return all, nil
		}}
		return testExecutor().Execute(ctx, userPlan(tenant), 2, probe)
	}

	t.Run("no exclusions keeps everything", func(t *testing.T) {
		got := ids(run(directory.Tenant{}, &NoOpFederationProbe{}).Entities)
		if len(got) != 4 {
			t.Errorf("expected 4 entities, got %v", got)
		}
	})

	t.Run("excluding guests keeps members and untyped users", func(t *testing.T) {
		got := ids(run(directory.Tenant{ExcludeGuestUsers: true}, &NoOpFederationProbe{}).Entities)
		if got["g"] || !got["m"] || !got["u"] || !got["grp"] {
			t.Errorf("unexpected entities: %v", got)
		}
	})

	t.Run("excluding members drops untyped users too", func(t *testing.T) {
		got := ids(run(directory.Tenant{ExcludeMemberUsers: true}, &NoOpFederationProbe{}).Entities)
		if got["m"] || got["u"] || !got["g"] || !got["grp"] {
			t.Errorf("unexpected entities: %v", got)
		}
	})

	t.Run("excluding both keeps only groups", func(t *testing.T) {
		got := ids(run(directory.Tenant{ExcludeMemberUsers: true, ExcludeGuestUsers: true}, &NoOpFederationProbe{}).Entities)
		if len(got) != 1 || !got["grp"] {
			t.Errorf("unexpected entities: %v", got)
		}
	})

	t.Run("result filter drops rejected and failing entities", func(t *testing.T) {
		fakeObs := NewFakeObserver(t)
		_, probe := fakeObs.FederationStarted(ctx, &directory.Request{}, 1)

		filter := denyFilter{deny: map[string]bool{"m": true}, fail: map[string]bool{"g": true}}
		outcome := run(directory.Tenant{ResultFilter: filter}, probe)

		got := ids(outcome.Entities)
		if got["m"] || got["g"] || !got["u"] || !got["grp"] {
			t.Errorf("unexpected entities: %v", got)
		}
		if outcome.Failed() {
			t.Errorf("filter failures must not fail the tenant: %v", outcome.Err)
		}

		p := fakeObs.Probes[0]
		if calls := p.CallsFor("EntityFilterFailed", "t1"); len(calls) != 1 || calls[0][1] != "g" {
			t.Errorf("expected one filter failure for g, got %v", calls)
		}
	})

	t.Run("entities are stamped with the tenant id", func(t *testing.T) {
		for _, e := range run(directory.Tenant{}, &NoOpFederationProbe{}).Entities {
			if e.TenantID != "t1" {
				t.Errorf("entity %s has tenant %q", e.ID, e.TenantID)
			}
		}
	})
}
