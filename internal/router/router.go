// Package router resolves request paths to routes. A router is built once
// per configuration generation and is immutable afterwards, so matching
// never takes a lock.
package router

import (
	"errors"
	"sort"
	"strings"

	"github.com/fieldsight/gateway/internal/config"
)

// Matching errors.
var (
	// ErrNoRoute indicates that no route matches the request path.
	ErrNoRoute = errors.New("no route matches path")

	// ErrMethodNotAllowed indicates that a route matches the path but
	// not the method.
	ErrMethodNotAllowed = errors.New("method not allowed for route")
)

// Match is the result of a successful route resolution.
type Match struct {
	Route *config.Route

	// Remainder is the path portion captured by a wildcard route, empty
	// for exact routes.
	Remainder string
}

// MethodNotAllowedError carries the allowed methods for a 405 response.
type MethodNotAllowedError struct {
	Allowed []string
}

// Error implements the error interface.
func (e *MethodNotAllowedError) Error() string {
	return ErrMethodNotAllowed.Error()
}

// Unwrap returns ErrMethodNotAllowed.
func (e *MethodNotAllowedError) Unwrap() error {
	return ErrMethodNotAllowed
}

// Router matches request paths against the configured route table.
type Router struct {
	exact map[string][]*config.Route

	// prefixes is sorted by descending prefix length so the longest
	// wildcard match wins.
	prefixes []*config.Route
}

// New builds a router from the route table.
func New(routes []config.Route) *Router {
	r := &Router{
		exact: make(map[string][]*config.Route),
	}

	for i := range routes {
		rt := &routes[i]
		if rt.IsWildcard() {
			r.prefixes = append(r.prefixes, rt)
		} else {
			r.exact[rt.Path] = append(r.exact[rt.Path], rt)
		}
	}

	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].Prefix()) > len(r.prefixes[j].Prefix())
	})

	return r
}

// Resolve matches a request path and method. Exact routes win over
// wildcard routes; among wildcard routes the longest prefix wins. A path
// that matches with a disallowed method returns MethodNotAllowedError.
func (r *Router) Resolve(method, path string) (*Match, error) {
	var pathMatched []*config.Route

	if candidates, ok := r.exact[path]; ok {
		for _, rt := range candidates {
			if rt.AllowsMethod(method) {
				return &Match{Route: rt}, nil
			}
		}
		pathMatched = append(pathMatched, candidates...)
	}

	for _, rt := range r.prefixes {
		remainder, ok := matchPrefix(rt.Prefix(), path)
		if !ok {
			continue
		}
		if rt.AllowsMethod(method) {
			return &Match{Route: rt, Remainder: remainder}, nil
		}
		pathMatched = append(pathMatched, rt)
	}

	if len(pathMatched) > 0 {
		return nil, &MethodNotAllowedError{Allowed: allowedMethods(pathMatched)}
	}

	return nil, ErrNoRoute
}

// matchPrefix reports whether path falls under prefix on a segment
// boundary and returns the remainder.
func matchPrefix(prefix, path string) (string, bool) {
	if path == prefix {
		return "", true
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	remainder := path[len(prefix):]
	if !strings.HasPrefix(remainder, "/") {
		// "/orders" must not capture "/ordersarchive".
		return "", false
	}
	return remainder, true
}

// allowedMethods collects the union of methods across routes, in route
// order, deduplicated.
func allowedMethods(routes []*config.Route) []string {
	seen := make(map[string]bool)
	var methods []string
	for _, rt := range routes {
		if len(rt.Methods) == 0 {
			return nil
		}
		for _, m := range rt.Methods {
			upper := strings.ToUpper(m)
			if !seen[upper] {
				seen[upper] = true
				methods = append(methods, upper)
			}
		}
	}
	return methods
}
