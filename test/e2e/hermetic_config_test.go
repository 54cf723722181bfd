package e2e_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-kessel/dirfed/internal/config"
	"github.com/project-kessel/dirfed/internal/server"
	"github.com/project-kessel/dirfed/internal/service"
)

// hermeticConfig describes two Graph tenants whose token and directory endpoints
// are all answered by fixtures. contoso pages its users and filters them by
// domain; fabrikam's credentials are rejected by its token endpoint.
const hermeticConfig = `
engine:
  retry_delay: 1ms
  default_timeout: 2s

observability:
  type: noop

tenants:
  - id: contoso
    name: Contoso
    exclude_guest_users: true
    auth:
      type: client_credentials
      client_id: dirfed
      client_secret_env: CONTOSO_CLIENT_SECRET
    caching:
      type: in_memory
      ttl: 1m
    result_filter: 'entity.kind != "user" || domain(entity.properties.userPrincipalName) == "contoso.com"'

  - id: fabrikam
    name: Fabrikam
    endpoint: https://graph.fabrikam.test/v1.0
    auth:
      type: client_credentials
      client_id: dirfed
      client_secret: wrong
      token_url: https://login.fabrikam.test/token

fixtures:
  - request:
      method: POST
      url: https://login.microsoftonline.com/contoso/oauth2/v2.0/token
    response:
      status_code: 200
      headers:
        Content-Type: application/json
      body: '{"access_token":"contoso-token","token_type":"Bearer","expires_in":3600}'

  - request:
      method: POST
      url: '^https://graph\.microsoft\.com/v1\.0/\$batch$'
      url_type: pattern
      headers:
        Authorization: Bearer contoso-token
    response:
      status_code: 200
      headers:
        Content-Type: application/json
      body: |
        {"responses": [
          {"id": "users", "status": 200, "body": {
            "value": [
              {"id": "u-1", "userPrincipalName": "alice@contoso.com", "displayName": "Alice", "userType": "Member"},
              {"id": "u-2", "userPrincipalName": "mallory@evil.example", "displayName": "Mallory", "userType": "Member"},
              {"id": "u-3", "userPrincipalName": "guest_x.com#EXT#@contoso.com", "mail": "guest@x.com", "userType": "Guest"}
            ],
            "@odata.nextLink": "https://graph.microsoft.com/v1.0/users?$skiptoken=page2"}},
          {"id": "groups", "status": 200, "body": {
            "value": [
              {"id": "6b1a8f3e-1a2b-4c3d-8e9f-0a1b2c3d4e5f", "displayName": "Alumni"}
            ]}}
        ]}

  - request:
      method: GET
      url: 'https://graph\.microsoft\.com/v1\.0/users\?\$skiptoken=page2'
      url_type: pattern
      headers:
        Authorization: Bearer contoso-token
        ConsistencyLevel: eventual
    response:
      status_code: 200
      headers:
        Content-Type: application/json
      body: '{"value": [{"id": "u-4", "userPrincipalName": "alan@contoso.com", "displayName": "Alan"}]}'

  - request:
      method: POST
      url: https://login.fabrikam.test/token
    response:
      status_code: 401
      headers:
        Content-Type: application/json
      body: '{"error":"invalid_client","error_description":"client secret is invalid"}'
`

// TestHermeticResolve loads a production-shaped configuration and resolves a
// request end to end. Every outbound call is served by configured fixtures, so
// the test covers config loading, client credentials, the batch protocol,
// pagination, local filtering and error containment without network access.
func TestHermeticResolve(t *testing.T) {
	t.Setenv("CONTOSO_CLIENT_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "dirfed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(hermeticConfig), 0o600))

	loader, err := config.NewLoader(path)
	require.NoError(t, err)
	cfg, err := loader.Get()
	require.NoError(t, err)

	provider := config.NewProvider(cfg)
	resolveServer, err := provider.ResolveServer()
	require.NoError(t, err)

	resolve := func(t *testing.T) *server.ResolveResponse {
		t.Helper()
		resp, err := resolveServer.Resolve(context.Background(), "test", &server.ResolveRequest{Input: "al"})
		require.NoError(t, err)
		return resp
	}

	t.Run("contoso entities are paged, filtered and claimed", func(t *testing.T) {
		resp := resolve(t)

		var ids []string
		for _, e := range resp.Entities {
			ids = append(ids, e.ID)
			assert.Equal(t, "contoso", e.TenantID)
			assert.NotNil(t, e.Claim, "entity %s has no claim", e.ID)
		}
		slices.Sort(ids)
		// u-2 fails the result filter, u-3 is an excluded guest
		assert.Equal(t, []string{"6b1a8f3e-1a2b-4c3d-8e9f-0a1b2c3d4e5f", "u-1", "u-4"}, ids)
	})

	t.Run("rejected credentials are contained to their tenant", func(t *testing.T) {
		resp := resolve(t)

		require.Len(t, resp.Tenants, 2)
		assert.Equal(t, server.TenantStatusSucceeded, resp.Tenants[0].Status)

		fabrikam := resp.Tenants[1]
		assert.Equal(t, "fabrikam", fabrikam.ID)
		assert.Equal(t, server.TenantStatusFailed, fabrikam.Status)
		assert.Equal(t, service.ErrorClassAuthorizationDenied, fabrikam.ErrorClass)
		assert.Equal(t, 1, fabrikam.Attempts)
	})

	t.Run("exact lookups are answered for a tenant subset", func(t *testing.T) {
		resp, err := resolveServer.Resolve(context.Background(), "test", &server.ResolveRequest{
			Input:      "al",
			ExactMatch: true,
			Tenants:    []string{"contoso"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Tenants, 1)
		assert.Equal(t, server.TenantStatusSucceeded, resp.Tenants[0].Status)
	})
}
