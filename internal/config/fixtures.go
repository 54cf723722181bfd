package config

import (
	"fmt"

	"github.com/project-kessel/dirfed/internal/httpfixture"
)

// BuildHTTPFixtureProvider creates a rule-based fixture provider from configuration.
// Returns nil if no fixtures are configured (normal production mode).
func BuildHTTPFixtureProvider(fixtures []FixtureConfig) (httpfixture.FixtureProvider, error) {
	if len(fixtures) == 0 {
		return nil, nil
	}

	rules := make([]httpfixture.HTTPFixtureRule, 0, len(fixtures))
	for i, f := range fixtures {
		switch f.Type {
		case "http_rule", "":
		default:
			return nil, fmt.Errorf("fixture %d: unknown type %q (supported: http_rule)", i, f.Type)
		}
		if f.Request.URL == "" {
			return nil, fmt.Errorf("fixture %d: request url is required", i)
		}

		response := httpfixture.Fixture{
			StatusCode: f.Response.StatusCode,
			Headers:    f.Response.Headers,
			Body:       f.Response.Body,
		}
		if response.StatusCode == 0 {
			response.StatusCode = 200
		}
		if f.Response.Delay > 0 {
			delay := f.Response.Delay
			response.Delay = &delay
		}

		rules = append(rules, httpfixture.HTTPFixtureRule{
			Request: httpfixture.FixtureRequest{
				Method:       f.Request.Method,
				URL:          f.Request.URL,
				URLType:      f.Request.URLType,
				Headers:      f.Request.Headers,
				BodyContains: f.Request.BodyContains,
			},
			Response: response,
		})
	}

	// Patterns are compiled lazily; match once so bad ones fail at startup.
	if err := httpfixture.ValidateRules(rules); err != nil {
		return nil, err
	}

	return httpfixture.NewRuleBasedProvider(rules), nil
}
