package ratelimit

import (
	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/regex-gateway/internal/config"
)

// Limiter holds one token bucket per rate-limited route. The set of buckets
// is fixed at construction, so lookups need no locking; each bucket is
// itself safe for concurrent use.
type Limiter struct {
	byRoute map[string]*ratelib.Limiter
}

// New builds buckets for every route that configures a rate limit.
func New(routes []config.Route) *Limiter {
	l := &Limiter{byRoute: make(map[string]*ratelib.Limiter)}
	for _, r := range routes {
		if r.RateLimit == nil {
			continue
		}
		l.byRoute[r.Name] = ratelib.NewLimiter(ratelib.Limit(r.RateLimit.RequestsPerSecond), r.RateLimit.Burst)
	}
	return l
}

// Allow consumes a token for route. Routes without a limit are always allowed.
func (l *Limiter) Allow(route string) bool {
	if l == nil {
		return true
	}
	lim, ok := l.byRoute[route]
	if !ok {
		return true
	}
	return lim.Allow()
}
