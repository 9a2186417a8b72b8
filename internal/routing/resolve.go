// Package routing implements the target resolver: the precedence chain
// over query override, header override, config-driven rules, and the
// default target (spec §4.D).
package routing

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

// ReservedQueryKey is stripped from the forwarded query string once
// consumed as a target override.
const ReservedQueryKey = "__target"

// ReservedHeader is stripped from the forwarded headers once consumed
// as a target override.
const ReservedHeader = "X-Target-URL"

// ErrorCode names a routing failure kind reported to the client as a
// 400 response.
type ErrorCode string

const (
	ErrNoTarget    ErrorCode = "NO_TARGET"
	ErrInvalidURL  ErrorCode = "INVALID_URL"
)

// RoutingError is returned when no target could be resolved.
type RoutingError struct {
	Code    ErrorCode
	Message string
}

func (e *RoutingError) Error() string { return e.Message }

// Target is the outcome of a successful resolve.
type Target struct {
	URL           string
	Source        model.RouteSource
	MatchedRuleID *int64
}

// Resolve applies the strict precedence chain: query param, header,
// enabled rules, then config default. Rules are walked in the order
// given and the first match wins; Resolve does not sort them, so callers
// pass them in descending priority (as ListEnabledRoutingRules returns
// them).
func Resolve(method, path string, query url.Values, headers http.Header, rules []model.RoutingRule, cfg model.Config) (Target, *RoutingError) {
	if v := query.Get(ReservedQueryKey); v != "" {
		if !isValidTargetURL(v) {
			return Target{}, &RoutingError{Code: ErrInvalidURL, Message: "Invalid target URL: " + v}
		}
		return Target{URL: v, Source: model.RouteQueryParam}, nil
	}

	if v := headers.Get(ReservedHeader); v != "" {
		if !isValidTargetURL(v) {
			return Target{}, &RoutingError{Code: ErrInvalidURL, Message: "Invalid target URL: " + v}
		}
		return Target{URL: v, Source: model.RouteHeader}, nil
	}

	for i := range rules {
		r := rules[i]
		if !r.Enabled {
			continue
		}
		if matchRule(r, path, headers) {
			id := r.ID
			return Target{URL: r.TargetURL, Source: model.RouteConfigRule, MatchedRuleID: &id}, nil
		}
	}

	if cfg.DefaultTargetURL != "" {
		return Target{URL: cfg.DefaultTargetURL, Source: model.RouteDefault}, nil
	}

	return Target{}, &RoutingError{Code: ErrNoTarget, Message: "No target could be resolved"}
}

func isValidTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// matchRule tests a single rule's predicate against the request. A
// rule whose pattern fails to compile never matches — a bad regex in
// the rule table is never a system failure.
func matchRule(r model.RoutingRule, path string, headers http.Header) bool {
	switch r.MatchType {
	case model.MatchPathPrefix:
		return strings.HasPrefix(path, r.MatchPattern)
	case model.MatchPathRegex:
		re, err := regexp.Compile(r.MatchPattern)
		if err != nil {
			return false
		}
		return re.MatchString(path)
	case model.MatchHeaderRegex:
		if r.MatchHeader == "" {
			return false
		}
		re, err := regexp.Compile(r.MatchPattern)
		if err != nil {
			return false
		}
		return re.MatchString(headers.Get(r.MatchHeader))
	default:
		return false
	}
}

// BuildTargetURL resolves path against base and appends every
// remaining query key/value from cleanQuery (the original query minus
// __target), preserving array values in order.
func BuildTargetURL(base, path string, cleanQuery url.Values) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	resolved := baseURL.ResolveReference(ref)

	if len(cleanQuery) > 0 {
		q := resolved.Query()
		for k, vals := range cleanQuery {
			for _, v := range vals {
				q.Add(k, v)
			}
		}
		resolved.RawQuery = q.Encode()
	}
	return resolved.String(), nil
}

// CleanQuery returns query with the reserved target-override key
// removed.
func CleanQuery(query url.Values) url.Values {
	out := url.Values{}
	for k, vals := range query {
		if k == ReservedQueryKey {
			continue
		}
		out[k] = vals
	}
	return out
}
