// Package config loads dirfed configuration and builds the engine from it.
package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/project-kessel/dirfed/internal/directory"
)

// Config is the root configuration structure
type Config struct {
	Server ServerConfig `koanf:"server"`
	Engine EngineConfig `koanf:"engine"`

	// FieldMappings replaces the built-in mapping table when set
	FieldMappings []directory.Rule `koanf:"field_mappings"`

	Tenants []TenantConfig `koanf:"tenants"`

	Observability *ObservabilityConfig `koanf:"observability"`

	// Fixtures serve canned HTTP responses to every tenant (hermetic testing only)
	Fixtures []FixtureConfig `koanf:"fixtures"`
}

// ServerConfig configures the gRPC and HTTP listeners
type ServerConfig struct {
	GRPCPort int `koanf:"grpc_port"`
	HTTPPort int `koanf:"http_port"`

	// ResponseProperties limits the entity properties returned by the resolve API
	ResponseProperties *PropertyFilterConfig `koanf:"response_properties"`
}

// PropertyFilterConfig selects entity properties by name.
// Allow takes precedence when both lists are set.
type PropertyFilterConfig struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

// EngineConfig tunes the federation engine
type EngineConfig struct {
	// RetryDelay is the fixed pause between attempts against one tenant
	RetryDelay time.Duration `koanf:"retry_delay"`

	// DefaultTimeout applies to tenants without their own timeout
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// TenantConfig describes one remote directory
type TenantConfig struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`

	// Type selects the client: "graph" (default) or "lua"
	Type string `koanf:"type"`

	// Endpoint overrides the Graph API base URL
	Endpoint string `koanf:"endpoint"`

	// MaxPages optionally bounds pagination per query; 0 reads every page (graph only)
	MaxPages int `koanf:"max_pages"`

	ExtensionAttributesApplicationID string `koanf:"extension_attributes_application_id"`
	ExcludeMemberUsers               bool   `koanf:"exclude_member_users"`
	ExcludeGuestUsers                bool   `koanf:"exclude_guest_users"`

	Timeout time.Duration `koanf:"timeout"`

	Auth    *AuthConfig    `koanf:"auth"`
	Caching *CachingConfig `koanf:"caching"`

	// ResultFilter is a CEL expression over entity and tenant; entities
	// for which it evaluates to false are dropped
	ResultFilter string `koanf:"result_filter"`

	// Script or ScriptFile holds the search script (lua only)
	Script     string         `koanf:"script"`
	ScriptFile string         `koanf:"script_file"`
	Config     map[string]any `koanf:"config"`
	HTTP       *HTTPConfig    `koanf:"http"`
}

// AuthConfig holds the credentials used to reach a tenant
type AuthConfig struct {
	// Type is "client_credentials" or "none"
	Type string `koanf:"type"`

	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`

	// ClientSecretEnv names an environment variable holding the secret
	ClientSecretEnv string `koanf:"client_secret_env"`

	// TokenURL defaults to the tenant's Microsoft identity platform endpoint
	TokenURL string   `koanf:"token_url"`
	Scopes   []string `koanf:"scopes"`
}

// CachingConfig wraps a tenant client in a cache
type CachingConfig struct {
	// Type is "in_memory", "distributed" or "none"
	Type string `koanf:"type"`

	TTL time.Duration `koanf:"ttl"`

	// GroupName and CacheSize apply to distributed caching
	GroupName string `koanf:"group_name"`
	CacheSize int64  `koanf:"cache_size"`
}

// HTTPConfig configures the http service available to scripts
type HTTPConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	// Type is "logging", "metrics", "noop" or "composite"
	Type string `koanf:"type"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Per-event overrides, matched on the "event" log attribute
	Federation *EventConfig `koanf:"federation"`
	Resolve    *EventConfig `koanf:"resolve"`

	// Observers are the children of a composite observer
	Observers []ObservabilityConfig `koanf:"observers"`
}

// EventConfig overrides logging for one event family
type EventConfig struct {
	Enabled  *bool  `koanf:"enabled"`
	LogLevel string `koanf:"log_level"`
}

// FixtureConfig is a canned HTTP exchange
type FixtureConfig struct {
	// Type is "http_rule"
	Type string `koanf:"type"`

	Request  FixtureRequestConfig  `koanf:"request"`
	Response FixtureResponseConfig `koanf:"response"`
}

// FixtureRequestConfig matches outgoing requests
type FixtureRequestConfig struct {
	Method       string            `koanf:"method"`
	URL          string            `koanf:"url"`
	URLType      string            `koanf:"url_type"`
	Headers      map[string]string `koanf:"headers"`
	BodyContains string            `koanf:"body_contains"`
}

// FixtureResponseConfig is the canned response
type FixtureResponseConfig struct {
	StatusCode int               `koanf:"status_code"`
	Headers    map[string]string `koanf:"headers"`
	Body       string            `koanf:"body"`
	Delay      time.Duration     `koanf:"delay"`
}

// flagSpec binds a command-line flag to a config key
type flagSpec struct {
	name     string
	key      string
	usage    string
	register func(fs *pflag.FlagSet, name, usage string)
}

var flagSpecs = []flagSpec{
	{"server-grpc-port", "server.grpc_port", "gRPC listen port", intFlag(9090)},
	{"server-http-port", "server.http_port", "HTTP listen port", intFlag(8080)},
	{"engine-retry-delay", "engine.retry_delay", "pause between attempts against a tenant", durationFlag(500 * time.Millisecond)},
	{"engine-default-timeout", "engine.default_timeout", "per-tenant time budget when a tenant sets none", durationFlag(4 * time.Second)},
	{"log-level", "observability.log_level", "log level (debug, info, warn, error)", stringFlag("info")},
	{"log-format", "observability.log_format", "log format (json, text)", stringFlag("json")},
}

func intFlag(def int) func(*pflag.FlagSet, string, string) {
	return func(fs *pflag.FlagSet, name, usage string) { fs.Int(name, def, usage) }
}

func durationFlag(def time.Duration) func(*pflag.FlagSet, string, string) {
	return func(fs *pflag.FlagSet, name, usage string) { fs.Duration(name, def, usage) }
}

func stringFlag(def string) func(*pflag.FlagSet, string, string) {
	return func(fs *pflag.FlagSet, name, usage string) { fs.String(name, def, usage) }
}

// RegisterFlags adds every config-backed flag to fs.
// Only flags that were explicitly set override other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, spec := range flagSpecs {
		if fs.Lookup(spec.name) != nil {
			continue
		}
		spec.register(fs, spec.name, spec.usage)
	}
}

// GetFlagMapping maps flag names to config keys
func GetFlagMapping() map[string]string {
	m := make(map[string]string, len(flagSpecs))
	for _, spec := range flagSpecs {
		m[spec.name] = spec.key
	}
	return m
}
