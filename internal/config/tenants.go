package config

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/project-kessel/dirfed/internal/cel"
	"github.com/project-kessel/dirfed/internal/datasource"
	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/graph"
	luaservices "github.com/project-kessel/dirfed/internal/lua"
)

const (
	// MicrosoftTokenURL is the client credentials endpoint, formatted with the tenant id
	MicrosoftTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	// GraphDefaultScope requests the application permissions granted to the client
	GraphDefaultScope = "https://graph.microsoft.com/.default"
)

// NewTenants builds the tenant descriptors, including their authenticated clients.
// transport is the base round tripper for all tenant traffic; nil means http.DefaultTransport.
func NewTenants(cfgs []TenantConfig, transport http.RoundTripper) ([]directory.Tenant, error) {
	seen := make(map[string]bool, len(cfgs))
	tenants := make([]directory.Tenant, 0, len(cfgs))

	for i, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("tenant %d: id is required", i)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("tenant %s: duplicate id", cfg.ID)
		}
		seen[cfg.ID] = true

		tenant, err := newTenant(cfg, transport)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.ID, err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

func newTenant(cfg TenantConfig, transport http.RoundTripper) (directory.Tenant, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}

	httpClient, err := newHTTPClient(cfg, transport)
	if err != nil {
		return directory.Tenant{}, err
	}

	client, err := newClient(cfg, name, httpClient)
	if err != nil {
		return directory.Tenant{}, err
	}

	client, err = wrapWithCaching(cfg.ID, client, cfg.Caching)
	if err != nil {
		return directory.Tenant{}, err
	}

	tenant := directory.Tenant{
		ID:                               cfg.ID,
		Name:                             name,
		ExtensionAttributesApplicationID: cfg.ExtensionAttributesApplicationID,
		ExcludeMemberUsers:               cfg.ExcludeMemberUsers,
		ExcludeGuestUsers:                cfg.ExcludeGuestUsers,
		Timeout:                          cfg.Timeout,
		Client:                           client,
	}

	if cfg.ResultFilter != "" {
		f, err := cel.NewEntityFilter(cfg.ResultFilter, cfg.ID, name)
		if err != nil {
			return directory.Tenant{}, fmt.Errorf("invalid result_filter: %w", err)
		}
		tenant.ResultFilter = f
	}

	return tenant, nil
}

func newClient(cfg TenantConfig, name string, httpClient *http.Client) (directory.Client, error) {
	switch cfg.Type {
	case "graph", "":
		return graph.NewClient(graph.ClientConfig{
			Endpoint:   cfg.Endpoint,
			HTTPClient: httpClient,
			MaxPages:   cfg.MaxPages,
		}), nil

	case "lua":
		script := cfg.Script
		if cfg.ScriptFile != "" {
			content, err := os.ReadFile(cfg.ScriptFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read script file %s: %w", cfg.ScriptFile, err)
			}
			script = string(content)
		}
		if script == "" {
			return nil, fmt.Errorf("lua tenant requires either script or script_file")
		}

		httpConfig := &luaservices.HTTPServiceConfig{Transport: httpClient.Transport}
		if cfg.HTTP != nil {
			httpConfig.Timeout = cfg.HTTP.Timeout
		}

		var configSource luaservices.ConfigSource
		if cfg.Config != nil {
			configSource = luaservices.NewMapConfigSource(cfg.Config)
		}

		client, err := datasource.NewLuaClient(datasource.LuaClientConfig{
			Name:         name,
			Script:       script,
			ConfigSource: configSource,
			HTTPConfig:   httpConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create lua client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown tenant type: %s (supported: graph, lua)", cfg.Type)
	}
}

// newHTTPClient returns the HTTP client a tenant's directory client uses.
// With client credentials, every request carries a bearer token that is fetched
// and refreshed over the same base transport.
func newHTTPClient(cfg TenantConfig, transport http.RoundTripper) (*http.Client, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}
	base := &http.Client{Transport: transport}

	if cfg.Auth == nil {
		return base, nil
	}

	switch cfg.Auth.Type {
	case "none", "":
		return base, nil

	case "client_credentials":
		secret := cfg.Auth.ClientSecret
		if cfg.Auth.ClientSecretEnv != "" {
			secret = os.Getenv(cfg.Auth.ClientSecretEnv)
		}
		if cfg.Auth.ClientID == "" {
			return nil, fmt.Errorf("client_credentials auth requires client_id")
		}
		if secret == "" {
			return nil, fmt.Errorf("client_credentials auth requires client_secret or client_secret_env")
		}

		tokenURL := cfg.Auth.TokenURL
		if tokenURL == "" {
			tokenURL = fmt.Sprintf(MicrosoftTokenURL, cfg.ID)
		}
		scopes := cfg.Auth.Scopes
		if len(scopes) == 0 {
			scopes = []string{GraphDefaultScope}
		}

		credentials := &clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: secret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		return credentials.Client(ctx), nil

	default:
		return nil, fmt.Errorf("unknown auth type: %s (supported: client_credentials, none)", cfg.Auth.Type)
	}
}

// wrapWithCaching wraps a tenant client with the configured caching layer
func wrapWithCaching(tenantID string, client directory.Client, cfg *CachingConfig) (directory.Client, error) {
	if cfg == nil {
		return client, nil
	}

	switch cfg.Type {
	case "in_memory":
		return datasource.NewInMemoryCachingClient(client, datasource.WithTTL(cfg.TTL)), nil

	case "distributed":
		return datasource.NewDistributedCachingClient(tenantID, client, datasource.DistributedCachingConfig{
			GroupName:      cfg.GroupName,
			CacheSizeBytes: cfg.CacheSize,
			TTL:            cfg.TTL,
		}), nil

	case "none", "":
		return client, nil

	default:
		return nil, fmt.Errorf("unknown caching type: %s (supported: in_memory, distributed, none)", cfg.Type)
	}
}
