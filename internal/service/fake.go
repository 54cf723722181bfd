package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/project-kessel/dirfed/internal/directory"
)

// FakeObserver is a test double that implements ApplicationObserver.
// It records all probe creations for later assertion in tests.
type FakeObserver struct {
	t *testing.T

	mu sync.Mutex

	// All probes created across all observer methods
	Probes []*FakeProbe
}

// NewFakeObserver creates a new fake observer for testing
func NewFakeObserver(t *testing.T) *FakeObserver {
	return &FakeObserver{t: t, Probes: []*FakeProbe{}}
}

// FederationStarted implements FederationObserver
func (o *FakeObserver) FederationStarted(
	ctx context.Context,
	req *directory.Request,
	tenantCount int,
) (context.Context, FederationProbe) {
	probe := &FakeProbe{
		t:           o.t,
		StartMethod: "FederationStarted",
		StartArgs: map[string]any{
			"input":       req.Input,
			"operation":   req.Operation,
			"tenantCount": tenantCount,
		},
	}
	o.mu.Lock()
	o.Probes = append(o.Probes, probe)
	o.mu.Unlock()
	return ctx, probe
}

// ResolveStarted implements ResolveObserver
func (o *FakeObserver) ResolveStarted(ctx context.Context, transport string) (context.Context, ResolveProbe) {
	probe := &FakeProbe{
		t:           o.t,
		StartMethod: "ResolveStarted",
		StartArgs: map[string]any{
			"transport": transport,
		},
	}
	o.mu.Lock()
	o.Probes = append(o.Probes, probe)
	o.mu.Unlock()
	return ctx, probe
}

// AssertProbeCount verifies the expected number of probes were created
func (o *FakeObserver) AssertProbeCount(expected int) {
	o.t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Probes) != expected {
		o.t.Errorf("expected %d probe(s), got %d", expected, len(o.Probes))
	}
}

// AssertSingleProbe asserts that exactly one probe was created with the given start method.
// Optionally checks start arguments if provided (pass nil values to skip checking).
// Returns the probe for further sequence assertions.
func (o *FakeObserver) AssertSingleProbe(startMethod string, args map[string]any) *FakeProbe {
	o.t.Helper()

	o.AssertProbeCount(1)
	if len(o.Probes) == 0 {
		return nil // AssertProbeCount already failed
	}

	probe := o.Probes[0]

	if probe.StartMethod != startMethod {
		o.t.Errorf("expected probe started with %s, got %s", startMethod, probe.StartMethod)
	}

	for key, expectedVal := range args {
		if expectedVal == nil {
			continue
		}
		actualVal, ok := probe.StartArgs[key]
		if !ok {
			o.t.Errorf("probe missing start arg %q", key)
			continue
		}
		if actualVal != expectedVal {
			o.t.Errorf("probe start arg %q: expected %v, got %v", key, expectedVal, actualVal)
		}
	}

	return probe
}

// FakeProbe implements all probe interfaces and records method calls.
// Calls may arrive concurrently from tenant goroutines.
type FakeProbe struct {
	t *testing.T

	// Captured at probe creation (exported for test assertions)
	StartMethod string
	StartArgs   map[string]any

	mu    sync.Mutex
	calls []probeCall
}

type probeCall struct {
	methodName string
	args       []any
}

func (p *probeCall) method() string {
	return p.methodName
}

func (p *probeCall) arguments() []any {
	return p.args
}

// recordCall records a method call
func (p *FakeProbe) recordCall(method string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, probeCall{
		methodName: method,
		args:       args,
	})
}

// FederationProbe methods
func (p *FakeProbe) TenantQueryStarted(plan directory.Plan) {
	p.recordCall("TenantQueryStarted", plan.Tenant.ID)
}

func (p *FakeProbe) TenantQuerySkipped(tenant directory.Tenant) {
	p.recordCall("TenantQuerySkipped", tenant.ID)
}

func (p *FakeProbe) TenantAttemptFailed(tenant directory.Tenant, attempt int, err error, willRetry bool) {
	p.recordCall("TenantAttemptFailed", tenant.ID, attempt, err, willRetry)
}

func (p *FakeProbe) EntityFilterFailed(tenant directory.Tenant, entity directory.Entity, err error) {
	p.recordCall("EntityFilterFailed", tenant.ID, entity.ID, err)
}

func (p *FakeProbe) TenantResultsTruncated(tenant directory.Tenant, kind directory.EntityKind, pages int) {
	p.recordCall("TenantResultsTruncated", tenant.ID, kind, pages)
}

func (p *FakeProbe) TenantQuerySucceeded(outcome *Outcome) {
	p.recordCall("TenantQuerySucceeded", outcome.TenantID)
}

func (p *FakeProbe) TenantQueryFailed(outcome *Outcome) {
	p.recordCall("TenantQueryFailed", outcome.TenantID, outcome.ErrorClass)
}

func (p *FakeProbe) FederationCompleted(result *Result) {
	p.recordCall("FederationCompleted", len(result.Outcomes))
}

// ResolveProbe methods
func (p *FakeProbe) RequestDecoded(req *directory.Request, tenantIDs []string) {
	p.recordCall("RequestDecoded", req.Input)
}

func (p *FakeProbe) RequestRejected(err error) {
	p.recordCall("RequestRejected", err)
}

// End is common to all probes
func (p *FakeProbe) End() {
	p.recordCall("End")
}

// Count returns how many times the named method was called
func (p *FakeProbe) Count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.method() == method {
			n++
		}
	}
	return n
}

// CallsFor returns the calls of the named method whose first argument is tenantID,
// in the order they were recorded.
func (p *FakeProbe) CallsFor(method, tenantID string) [][]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]any
	for _, c := range p.calls {
		if c.method() == method && len(c.args) > 0 && c.args[0] == tenantID {
			out = append(out, c.arguments())
		}
	}
	return out
}

// AssertProbeSequence verifies the exact sequence of probe method calls.
// Accepts either strings (method names) or ProbeMatcher functions.
// Only meaningful when a single tenant is involved.
func (p *FakeProbe) AssertProbeSequence(expected ...any) {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) != len(expected) {
		p.t.Errorf("expected %d probe calls, got %d", len(expected), len(p.calls))
		p.t.Logf("actual probe calls: %v", p.methodNames())
		return
	}
	for i, exp := range expected {
		call := p.calls[i]
		switch e := exp.(type) {
		case string:
			if call.method() != e {
				p.t.Errorf("probe call %d: expected method %s, got %s", i, e, call.method())
			}
		case ProbeMatcher:
			if !e(call) {
				p.t.Errorf("probe call %d: matcher failed for %s", i, call.method())
			}
		default:
			p.t.Errorf("invalid expected type at position %d: %T", i, exp)
		}
	}
}

func (p *FakeProbe) methodNames() []string {
	names := make([]string, len(p.calls))
	for i, call := range p.calls {
		names[i] = call.method()
	}
	return names
}

// ProbeMatcher is a function that matches against a probe call
type ProbeMatcher func(probeCall) bool

// ProbeCall creates a matcher that checks probe method name and optionally arguments.
// Arguments can be either concrete values (checked with ==) or ArgumentMatcher instances.
func ProbeCall(method string, args ...any) ProbeMatcher {
	return func(call probeCall) bool {
		if call.method() != method {
			return false
		}
		if len(args) == 0 {
			return true
		}
		callArgs := call.arguments()
		if len(args) != len(callArgs) {
			return false
		}
		for i, expected := range args {
			if matcher, ok := expected.(ArgumentMatcher); ok {
				if !matcher.Matches(callArgs[i]) {
					return false
				}
			} else if expected != callArgs[i] {
				return false
			}
		}
		return true
	}
}

// ArgumentMatcher allows flexible matching of probe arguments
type ArgumentMatcher interface {
	Matches(actual any) bool
}

// ErrorContaining creates a matcher that checks if an error's message contains a substring
type ErrorContaining string

func (e ErrorContaining) Matches(actual any) bool {
	err, ok := actual.(error)
	if !ok || err == nil {
		return false
	}
	return strings.Contains(err.Error(), string(e))
}

// anyErrorMatcher matches any non-nil error
type anyErrorMatcher struct{}

// AnyError returns a matcher that matches any non-nil error
func AnyError() ArgumentMatcher {
	return anyErrorMatcher{}
}

func (anyErrorMatcher) Matches(actual any) bool {
	err, ok := actual.(error)
	return ok && err != nil
}
