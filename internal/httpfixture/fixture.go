package httpfixture

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Fixture is a canned HTTP response.
type Fixture struct {
	StatusCode int               `json:"status_code" koanf:"status_code"`
	Headers    map[string]string `json:"headers,omitempty" koanf:"headers"`
	Body       string            `json:"body" koanf:"body"`

	// Delay simulates a slow upstream. The delay honors the request context.
	Delay *time.Duration `json:"delay,omitempty" koanf:"delay"`
}

// FixtureProvider returns a fixture for a request, or nil when it has none.
type FixtureProvider interface {
	GetFixture(req *http.Request) *Fixture
}

// FixtureRequest describes which requests a rule matches.
type FixtureRequest struct {
	// Method to match; "*" or empty matches any method
	Method string `json:"method" koanf:"method"`

	// URL to match, compared according to URLType
	URL string `json:"url" koanf:"url"`

	// URLType is "exact" (default) or "pattern" (anchored regular expression)
	URLType string `json:"url_type,omitempty" koanf:"url_type"`

	// Headers that must be present with exactly these values
	Headers map[string]string `json:"headers,omitempty" koanf:"headers"`

	// BodyContains is a substring the request body must contain
	BodyContains string `json:"body_contains,omitempty" koanf:"body_contains"`
}

// HTTPFixtureRule pairs a request matcher with its response.
type HTTPFixtureRule struct {
	Request  FixtureRequest `json:"request" koanf:"request"`
	Response Fixture        `json:"response" koanf:"response"`
}

// RuleBasedProvider returns the response of the first matching rule.
type RuleBasedProvider struct {
	rules []compiledRule
}

type compiledRule struct {
	rule    HTTPFixtureRule
	pattern *regexp.Regexp
}

// NewRuleBasedProvider creates a provider from rules, evaluated in order.
// Rules with an invalid pattern never match.
func NewRuleBasedProvider(rules []HTTPFixtureRule) *RuleBasedProvider {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		c := compiledRule{rule: r}
		if r.Request.URLType == "pattern" {
			c.pattern, _ = regexp.Compile("^(?:" + r.Request.URL + ")$")
		}
		compiled = append(compiled, c)
	}
	return &RuleBasedProvider{rules: compiled}
}

// ValidateRules reports the first rule whose URL type or pattern is invalid
func ValidateRules(rules []HTTPFixtureRule) error {
	for i, r := range rules {
		switch r.Request.URLType {
		case "", "exact":
		case "pattern":
			if _, err := regexp.Compile("^(?:" + r.Request.URL + ")$"); err != nil {
				return fmt.Errorf("fixture rule %d: invalid url pattern: %w", i, err)
			}
		default:
			return fmt.Errorf("fixture rule %d: unknown url type %q (supported: exact, pattern)", i, r.Request.URLType)
		}
	}
	return nil
}

// GetFixture implements FixtureProvider
func (p *RuleBasedProvider) GetFixture(req *http.Request) *Fixture {
	var body []byte
	for _, c := range p.rules {
		if c.rule.Request.BodyContains != "" && body == nil {
			body = peekBody(req)
		}
		if c.matches(req, body) {
			fixture := c.rule.Response
			return &fixture
		}
	}
	return nil
}

func (c compiledRule) matches(req *http.Request, body []byte) bool {
	r := c.rule.Request

	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, req.Method) {
		return false
	}

	url := req.URL.String()
	if r.URLType == "pattern" {
		if c.pattern == nil || !c.pattern.MatchString(url) {
			return false
		}
	} else if r.URL != url {
		return false
	}

	for key, value := range r.Headers {
		if req.Header.Get(key) != value {
			return false
		}
	}

	if r.BodyContains != "" && !bytes.Contains(body, []byte(r.BodyContains)) {
		return false
	}
	return true
}

// peekBody reads the request body and puts an identical reader back.
func peekBody(req *http.Request) []byte {
	if req.Body == nil || req.Body == http.NoBody {
		return []byte{}
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		b = []byte{}
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	return b
}

// MapProvider looks fixtures up by "METHOD URL".
type MapProvider struct {
	fixtures map[string]*Fixture
}

// NewMapProvider creates a provider keyed by "METHOD URL"
func NewMapProvider(fixtures map[string]*Fixture) *MapProvider {
	return &MapProvider{fixtures: fixtures}
}

// GetFixture implements FixtureProvider
func (p *MapProvider) GetFixture(req *http.Request) *Fixture {
	return p.fixtures[req.Method+" "+req.URL.String()]
}

// FuncProvider adapts a function to FixtureProvider.
type FuncProvider struct {
	fn func(*http.Request) *Fixture
}

// NewFuncProvider creates a provider backed by fn
func NewFuncProvider(fn func(*http.Request) *Fixture) *FuncProvider {
	return &FuncProvider{fn: fn}
}

// GetFixture implements FixtureProvider
func (p *FuncProvider) GetFixture(req *http.Request) *Fixture {
	return p.fn(req)
}

// CompositeProvider asks each provider in order and returns the first fixture.
type CompositeProvider struct {
	providers []FixtureProvider
}

// NewCompositeProvider creates a provider that chains others
func NewCompositeProvider(providers ...FixtureProvider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

// GetFixture implements FixtureProvider
func (p *CompositeProvider) GetFixture(req *http.Request) *Fixture {
	for _, provider := range p.providers {
		if f := provider.GetFixture(req); f != nil {
			return f
		}
	}
	return nil
}

// SequenceProvider returns its fixtures in order, one per request, and then
// keeps returning the last one. Useful for scripting retries.
type SequenceProvider struct {
	mu       sync.Mutex
	fixtures []*Fixture
	served   int
}

// NewSequenceProvider creates a provider that replays fixtures in order
func NewSequenceProvider(fixtures ...*Fixture) *SequenceProvider {
	return &SequenceProvider{fixtures: fixtures}
}

// GetFixture implements FixtureProvider
func (p *SequenceProvider) GetFixture(req *http.Request) *Fixture {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fixtures) == 0 {
		return nil
	}
	i := min(p.served, len(p.fixtures)-1)
	p.served++
	return p.fixtures[i]
}

// Served returns how many requests the provider has answered
func (p *SequenceProvider) Served() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.served
}
