// Package router selects the caching strategy and bucket for an intercepted request.
package router

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nanocoin/offline/registry"

	"gopkg.in/yaml.v3"
)

type Policy string

const (
	NetworkFirst Policy = "network-first"
	CacheFirst   Policy = "cache-first"
)

// Route is the outcome of routing a request.
type Route struct {
	// Intercept is false for requests that go straight to the network.
	Intercept bool
	Policy    Policy
	// Bucket is empty when responses are not stored.
	Bucket registry.Purpose
}

// Passthrough is the route of requests the worker does not handle.
var Passthrough = Route{}

type Rules []Rule

type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Accept string            `yaml:"accept"`
	Query  map[string]string `yaml:"query"`
	// Strategy to apply, network-first if empty.
	Strategy Policy           `yaml:"strategy"`
	Bucket   registry.Purpose `yaml:"bucket"`
}

// DefaultRules routes the game's traffic:
// API calls are network-first, static assets cache-first, pages network-first.
func DefaultRules() Rules {
	return Rules{
		{Prefix: "/api/", Strategy: NetworkFirst, Bucket: registry.API},
		{Prefix: "/static/", Strategy: CacheFirst, Bucket: registry.Static},
		{Accept: "text/html", Strategy: NetworkFirst, Bucket: registry.Data},
		{Strategy: NetworkFirst},
	}
}

// ParseRules reads an ordered rule list from YAML and validates it.
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return rules, rules.Validate()
}

func (r Rules) Validate() error {
	for i, rule := range r {
		switch rule.Strategy {
		case "", NetworkFirst:
		case CacheFirst:
			if rule.Bucket == "" {
				return fmt.Errorf("rule %d: cache-first needs a bucket", i)
			}
		default:
			return fmt.Errorf("rule %d: unknown strategy %q", i, rule.Strategy)
		}
		if rule.Bucket != "" && !rule.Bucket.Valid() {
			return fmt.Errorf("rule %d: unknown bucket %q", i, rule.Bucket)
		}
	}
	return nil
}

// Match routes a request. Only GET requests with an http(s) URL are intercepted.
// If no rule matches, the request is handled network-first without storing.
func (r Rules) Match(method string, u *url.URL, header http.Header) Route {
	if method != http.MethodGet {
		return Passthrough
	}
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Passthrough
	}
	if rule := r.find(u, header); rule != nil {
		policy := rule.Strategy
		if policy == "" {
			policy = NetworkFirst
		}
		return Route{Intercept: true, Policy: policy, Bucket: rule.Bucket}
	}
	return Route{Intercept: true, Policy: NetworkFirst}
}

// MatchRequest routes an *http.Request.
func (r Rules) MatchRequest(req *http.Request) Route {
	return r.Match(req.Method, req.URL, req.Header)
}

func (r Rules) find(u *url.URL, header http.Header) *Rule {
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if rule.Accept != "" && !strings.Contains(header.Get("Accept"), rule.Accept) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}

// AcceptsHTML reports whether the request asks for an HTML document.
func AcceptsHTML(header http.Header) bool {
	return strings.Contains(header.Get("Accept"), "text/html")
}
