package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-kessel/dirfed/internal/claims"
	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/service"
)

// directoryStub answers every query of a kind with the same entities
type directoryStub struct {
	entities map[directory.EntityKind][]directory.Entity
	err      error

	mu    sync.Mutex
	kinds []directory.EntityKind
}

func (c *directoryStub) Search(_ context.Context, queries []directory.Query) ([]directory.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range queries {
		c.kinds = append(c.kinds, q.Kind)
	}
	if c.err != nil {
		return nil, c.err
	}
	var out []directory.Entity
	for _, q := range queries {
		out = append(out, c.entities[q.Kind]...)
	}
	return out, nil
}

func (c *directoryStub) queriedKinds() []directory.EntityKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directory.EntityKind(nil), c.kinds...)
}

func TestResolveServer_Resolve(t *testing.T) {
	t.Run("merges tenants and reports failures by class only", func(t *testing.T) {
		srv, _, _ := newResolveTestServer(t, nil)

		resp, err := srv.Resolve(context.Background(), "test", &ResolveRequest{Input: "alice"})
		require.NoError(t, err)

		assert.NotEmpty(t, resp.RequestID)
		require.Len(t, resp.Entities, 2)

		user := findEntity(t, resp, "u-1")
		assert.Equal(t, directory.EntityKindUser, user.Kind)
		assert.Equal(t, "contoso", user.TenantID)
		require.NotNil(t, user.Claim)
		assert.Equal(t, claims.Claim{Type: directory.ClaimTypeUPN, Value: "alice@contoso.com"}, *user.Claim)

		group := findEntity(t, resp, "6b1a8f3e-1a2b-4c3d-8e9f-0a1b2c3d4e5f")
		require.NotNil(t, group.Claim)
		assert.Equal(t, directory.ClaimTypeRole, group.Claim.Type)

		require.Len(t, resp.Tenants, 2)
		assert.Equal(t, TenantDiagnostic{
			ID: "contoso", Name: "Contoso", Status: TenantStatusSucceeded, Entities: 2, Attempts: 1,
			ElapsedMS: resp.Tenants[0].ElapsedMS,
		}, resp.Tenants[0])
		assert.Equal(t, "fabrikam", resp.Tenants[1].ID)
		assert.Equal(t, TenantStatusFailed, resp.Tenants[1].Status)
		assert.Equal(t, service.ErrorClassAuthorizationDenied, resp.Tenants[1].ErrorClass)
		assert.Zero(t, resp.Tenants[1].Entities)

		body, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.NotContains(t, string(body), "insufficient privileges")
	})

	t.Run("entity types restrict the rules", func(t *testing.T) {
		srv, contoso, _ := newResolveTestServer(t, nil)

		resp, err := srv.Resolve(context.Background(), "test", &ResolveRequest{
			Input:       "eng",
			EntityTypes: []string{"groups"},
			Tenants:     []string{"contoso"},
		})
		require.NoError(t, err)

		assert.Equal(t, []directory.EntityKind{directory.EntityKindGroup}, contoso.queriedKinds())
		require.Len(t, resp.Entities, 1)
		assert.Equal(t, directory.EntityKindGroup, resp.Entities[0].Kind)
	})

	t.Run("tenant subset only queries the named tenants", func(t *testing.T) {
		srv, contoso, fabrikam := newResolveTestServer(t, nil)

		resp, err := srv.Resolve(context.Background(), "test", &ResolveRequest{
			Input:   "alice",
			Tenants: []string{"fabrikam", "fabrikam"},
		})
		require.NoError(t, err)

		assert.Empty(t, contoso.queriedKinds())
		assert.NotEmpty(t, fabrikam.queriedKinds())
		require.Len(t, resp.Tenants, 1)
		assert.Equal(t, "fabrikam", resp.Tenants[0].ID)
		assert.Empty(t, resp.Entities)
	})

	t.Run("tenant with nothing to query is skipped", func(t *testing.T) {
		contoso := &directoryStub{}
		srv := NewResolveServer(ResolveServerConfig{
			Federator: service.NewFederator(service.NewExecutor(service.WithRetryDelay(0)), nil),
			MappingTable: directory.MappingTable{{
				EntityKind:   directory.EntityKindUser,
				Property:     "id",
				PropertyType: directory.PropertyTypeGUID,
				ClaimType:    directory.ClaimTypeUPN,
				Identity:     &directory.IdentityRule{},
			}},
			Tenants: []directory.Tenant{{ID: "contoso", Name: "Contoso", Client: contoso}},
		})

		resp, err := srv.Resolve(context.Background(), "test", &ResolveRequest{Input: "not-a-guid"})
		require.NoError(t, err)

		require.Len(t, resp.Tenants, 1)
		assert.Equal(t, TenantStatusSkipped, resp.Tenants[0].Status)
		assert.Zero(t, resp.Tenants[0].ElapsedMS)
		assert.Empty(t, contoso.queriedKinds())
	})

	t.Run("property filter limits returned properties", func(t *testing.T) {
		srv, _, _ := newResolveTestServer(t, claims.NewAllowListPropertyFilter([]string{"displayName"}))

		resp, err := srv.Resolve(context.Background(), "test", &ResolveRequest{Input: "alice", Tenants: []string{"contoso"}})
		require.NoError(t, err)

		user := findEntity(t, resp, "u-1")
		assert.Equal(t, map[string]any{"displayName": "Alice"}, user.Properties)
		require.NotNil(t, user.Claim, "claims are resolved before properties are filtered")
	})

	t.Run("probe records decoded request", func(t *testing.T) {
		observer := service.NewFakeObserver(t)
		srv, _, _ := newResolveTestServer(t, nil)
		srv.observer = observer

		_, err := srv.Resolve(context.Background(), "http", &ResolveRequest{Input: "alice"})
		require.NoError(t, err)

		probe := observer.AssertSingleProbe("ResolveStarted", map[string]any{"transport": "http"})
		probe.AssertProbeSequence("RequestDecoded", "End")
	})
}

func TestResolveServer_RejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		req     ResolveRequest
		wantErr string
	}{
		{"unknown operation", ResolveRequest{Input: "a", Operation: "delete"}, "unknown operation"},
		{"unknown entity type", ResolveRequest{Input: "a", EntityTypes: []string{"device"}}, "unknown entity kind"},
		{"unknown tenant", ResolveRequest{Input: "a", Tenants: []string{"initech"}}, `unknown tenant "initech"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observer := service.NewFakeObserver(t)
			srv, contoso, fabrikam := newResolveTestServer(t, nil)
			srv.observer = observer

			resp, err := srv.Resolve(context.Background(), "test", &tt.req)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.wantErr)

			assert.Empty(t, contoso.queriedKinds())
			assert.Empty(t, fabrikam.queriedKinds())

			probe := observer.AssertSingleProbe("ResolveStarted", nil)
			probe.AssertProbeSequence("RequestRejected", "End")
		})
	}
}

func TestServerMux(t *testing.T) {
	resolveServer, _, _ := newResolveTestServer(t, nil)

	registry := prometheus.NewRegistry()
	queries := prometheus.NewCounter(prometheus.CounterOpts{Name: "dirfed_test_total", Help: "test counter"})
	registry.MustRegister(queries)
	queries.Inc()

	srv := New(Config{ResolveServer: resolveServer, Gatherer: registry})
	mux, err := srv.newMux()
	require.NoError(t, err)

	t.Run("resolve returns merged entities", func(t *testing.T) {
		rec := serve(mux, http.MethodPost, "/v1/resolve", `{"input":"alice","exact_match":false}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp ResolveResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Len(t, resp.Entities, 2)
		assert.Len(t, resp.Tenants, 2)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		rec := serve(mux, http.MethodPost, "/v1/resolve", `{"input":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid request is rejected", func(t *testing.T) {
		rec := serve(mux, http.MethodPost, "/v1/resolve", `{"input":"a","tenants":["initech"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown tenant")
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		rec := serve(mux, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "dirfed_test_total 1")
	})

	t.Run("health endpoints are routed", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/healthz/live", "").Code)
		assert.Equal(t, http.StatusServiceUnavailable, serve(mux, http.MethodGet, "/healthz/ready", "").Code)

		srv.SetReady()
		assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/healthz/ready", "").Code)
	})
}

// --- test helpers ---

func newResolveTestServer(t *testing.T, propertyFilter claims.PropertyFilter) (*ResolveServer, *directoryStub, *directoryStub) {
	t.Helper()

	contoso := &directoryStub{entities: map[directory.EntityKind][]directory.Entity{
		directory.EntityKindUser: {{
			Kind: directory.EntityKindUser,
			ID:   "u-1",
			Properties: map[string]any{
				"userPrincipalName": "alice@contoso.com",
				"displayName":       "Alice",
				"userType":          "Member",
			},
		}},
		directory.EntityKindGroup: {{
			Kind: directory.EntityKindGroup,
			ID:   "6b1a8f3e-1a2b-4c3d-8e9f-0a1b2c3d4e5f",
			Properties: map[string]any{
				"id":          "6b1a8f3e-1a2b-4c3d-8e9f-0a1b2c3d4e5f",
				"displayName": "Engineering",
			},
		}},
	}}
	fabrikam := &directoryStub{
		err: fmt.Errorf("insufficient privileges: %w", service.ErrAuthorizationDenied),
	}

	srv := NewResolveServer(ResolveServerConfig{
		Federator:    service.NewFederator(service.NewExecutor(service.WithRetryDelay(0)), nil),
		MappingTable: directory.DefaultMappingTable(),
		Tenants: []directory.Tenant{
			{ID: "contoso", Name: "Contoso", Client: contoso},
			{ID: "fabrikam", Name: "Fabrikam", Client: fabrikam},
		},
		PropertyFilter: propertyFilter,
	})
	return srv, contoso, fabrikam
}

func findEntity(t *testing.T, resp *ResolveResponse, id string) EntityResult {
	t.Helper()
	for _, e := range resp.Entities {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entity %s not in response", id)
	return EntityResult{}
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
