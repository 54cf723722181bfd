package config

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/project-kessel/dirfed/internal/claims"
	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/httpfixture"
	"github.com/project-kessel/dirfed/internal/server"
	"github.com/project-kessel/dirfed/internal/service"
)

// Provider constructs all application components from configuration.
// This is the main entry point for building a configured dirfed instance.
type Provider struct {
	config *Config

	// Lazily constructed components (cached after first call)
	mappingTable        directory.MappingTable
	tenants             []directory.Tenant
	tenantsBuilt        bool
	federator           *service.Federator
	resolveServer       *server.ResolveServer
	observer            service.ApplicationObserver
	registry            *prometheus.Registry
	httpFixtureProvider httpfixture.FixtureProvider
	httpFixtureBuilt    bool
}

// NewProvider creates a new provider from configuration
func NewProvider(config *Config) *Provider {
	return &Provider{
		config: config,
	}
}

// SetObserver sets the application observer for all components built by this provider.
// Must be called before Federator() or any method that depends on the observer.
func (p *Provider) SetObserver(observer service.ApplicationObserver) {
	p.observer = observer
}

// Observer returns the configured application observer.
// If SetObserver was called, returns that observer.
// Otherwise, creates a default observer from config.
func (p *Provider) Observer() (service.ApplicationObserver, error) {
	if p.observer != nil {
		return p.observer, nil
	}

	observer, err := NewObserver(p.config.Observability, p.Registry())
	if err != nil {
		return nil, fmt.Errorf("failed to create observer: %w", err)
	}

	p.observer = observer
	return observer, nil
}

// Registry returns the prometheus registry served on /metrics
func (p *Provider) Registry() *prometheus.Registry {
	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}
	return p.registry
}

// MappingTable returns the configured field mapping table, or the built-in one
func (p *Provider) MappingTable() (directory.MappingTable, error) {
	if p.mappingTable != nil {
		return p.mappingTable, nil
	}

	table := directory.DefaultMappingTable()
	if len(p.config.FieldMappings) > 0 {
		table = directory.MappingTable(p.config.FieldMappings)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid field mappings: %w", err)
	}

	p.mappingTable = table
	return table, nil
}

// Tenants returns the configured tenants with their clients
func (p *Provider) Tenants() ([]directory.Tenant, error) {
	if p.tenantsBuilt {
		return p.tenants, nil
	}

	transport, err := p.HTTPTransport()
	if err != nil {
		return nil, err
	}

	tenants, err := NewTenants(p.config.Tenants, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenants: %w", err)
	}

	p.tenants = tenants
	p.tenantsBuilt = true
	return tenants, nil
}

// Federator returns the configured federation engine
func (p *Provider) Federator() (*service.Federator, error) {
	if p.federator != nil {
		return p.federator, nil
	}

	observer, err := p.Observer()
	if err != nil {
		return nil, fmt.Errorf("failed to get observer: %w", err)
	}

	var opts []service.ExecutorOption
	if p.config.Engine.RetryDelay > 0 {
		opts = append(opts, service.WithRetryDelay(p.config.Engine.RetryDelay))
	}
	if p.config.Engine.DefaultTimeout > 0 {
		opts = append(opts, service.WithDefaultTimeout(p.config.Engine.DefaultTimeout))
	}

	p.federator = service.NewFederator(service.NewExecutor(opts...), observer)
	return p.federator, nil
}

// ResolveServer returns the resolve API backed by the configured engine
func (p *Provider) ResolveServer() (*server.ResolveServer, error) {
	if p.resolveServer != nil {
		return p.resolveServer, nil
	}

	federator, err := p.Federator()
	if err != nil {
		return nil, err
	}
	table, err := p.MappingTable()
	if err != nil {
		return nil, err
	}
	tenants, err := p.Tenants()
	if err != nil {
		return nil, err
	}
	observer, err := p.Observer()
	if err != nil {
		return nil, err
	}

	p.resolveServer = server.NewResolveServer(server.ResolveServerConfig{
		Federator:      federator,
		MappingTable:   table,
		Tenants:        tenants,
		Observer:       observer,
		PropertyFilter: NewPropertyFilter(p.config.Server.ResponseProperties),
	})
	return p.resolveServer, nil
}

// NewPropertyFilter builds the response property filter; nil config passes everything
func NewPropertyFilter(cfg *PropertyFilterConfig) claims.PropertyFilter {
	switch {
	case cfg == nil:
		return &claims.PassthroughPropertyFilter{}
	case len(cfg.Allow) > 0:
		return claims.NewAllowListPropertyFilter(cfg.Allow)
	case len(cfg.Deny) > 0:
		return claims.NewDenyListPropertyFilter(cfg.Deny)
	default:
		return &claims.PassthroughPropertyFilter{}
	}
}

// ServerConfig returns the server configuration
func (p *Provider) ServerConfig() (server.Config, error) {
	resolveServer, err := p.ResolveServer()
	if err != nil {
		return server.Config{}, err
	}

	return server.Config{
		GRPCPort:      p.config.Server.GRPCPort,
		HTTPPort:      p.config.Server.HTTPPort,
		ResolveServer: resolveServer,
		Gatherer:      p.Registry(),
	}, nil
}

// HTTPTransport returns an HTTP RoundTripper configured with fixtures if available.
// Returns nil if no special transport is needed (caller should use http.DefaultTransport).
func (p *Provider) HTTPTransport() (http.RoundTripper, error) {
	fixtureProvider, err := p.HTTPFixtureProvider()
	if err != nil {
		return nil, err
	}
	if fixtureProvider == nil {
		return nil, nil
	}
	return httpfixture.NewTransport(httpfixture.TransportConfig{
		Provider: fixtureProvider,
		Strict:   true,
	}), nil
}

// HTTPFixtureProvider returns the fixture provider for hermetic testing.
// Returns nil if no fixtures are configured (normal production mode).
func (p *Provider) HTTPFixtureProvider() (httpfixture.FixtureProvider, error) {
	if p.httpFixtureBuilt {
		return p.httpFixtureProvider, nil
	}

	provider, err := BuildHTTPFixtureProvider(p.config.Fixtures)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP fixture provider: %w", err)
	}

	p.httpFixtureProvider = provider
	p.httpFixtureBuilt = true
	return provider, nil
}
