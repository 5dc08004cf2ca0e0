// Package ratelimit tracks per client failure budgets. Clients that used up
// their budget are refused until tokens are replenished.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const defaultIdle = 15 * time.Minute

// Limiter hands out one token bucket per key. Buckets of keys that were not
// seen for the idle period are dropped.
type Limiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

// New returns a limiter that allows burst failures and replenishes one
// token every interval.
func New(burst int, every, idle time.Duration) *Limiter {
	if idle <= 0 {
		idle = defaultIdle
	}

	return &Limiter{
		limiters: cache.New(idle, idle),
		limit:    rate.Every(every),
		burst:    burst,
		idle:     idle,
	}
}

// Exhausted reports whether key has no budget left. It does not consume a token.
func (l *Limiter) Exhausted(key string) bool {
	if l == nil {
		return false
	}

	v, ok := l.limiters.Get(key)
	if !ok {
		return false
	}

	return v.(*rate.Limiter).Tokens() < 1
}

// Record consumes one token of key's budget.
func (l *Limiter) Record(key string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}

	lim.(*rate.Limiter).Allow()
	l.limiters.Set(key, lim, l.idle)
}

// ClientKey identifies the client of r by its IP address.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
