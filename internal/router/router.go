package router

import (
	"fmt"
	"regexp"

	"github.com/fabian4/regex-gateway/internal/config"
)

// Target is what a matched route resolves to for a single request.
type Target struct {
	Route       string
	Backend     string // base URI, used verbatim for concatenation
	StripPrefix string
	Plugins     []config.PluginRef
	Config      *config.Route
}

type rule struct {
	re    *regexp.Regexp
	route *config.Route
}

// Table is an ordered, immutable set of compiled route rules. It is safe for
// concurrent use.
type Table struct {
	rules []rule
}

// New compiles every route pattern up front, keeping declaration order. A
// pattern that does not compile fails construction.
func New(routes []config.Route) (*Table, error) {
	t := &Table{rules: make([]rule, 0, len(routes))}
	for i := range routes {
		r := &routes[i]
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %q: pattern: %w", r.Name, err)
		}
		t.rules = append(t.rules, rule{re: re, route: r})
	}
	return t, nil
}

// Resolve returns the first rule, in declaration order, whose pattern matches
// uri. uri is the request URI as received, query string included.
func (t *Table) Resolve(uri string) (Target, bool) {
	for _, rl := range t.rules {
		if rl.re.MatchString(uri) {
			r := rl.route
			return Target{
				Route:       r.Name,
				Backend:     r.BackendRaw,
				StripPrefix: r.StripPrefix,
				Plugins:     r.Plugins,
				Config:      r,
			}, true
		}
	}
	return Target{}, false
}

// Len reports the number of rules.
func (t *Table) Len() int { return len(t.rules) }
