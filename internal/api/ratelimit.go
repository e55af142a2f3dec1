package api

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxLimitedIdentities bounds the number of per-identity limiters kept.
const maxLimitedIdentities = 10000

// SendLimiter applies a token bucket per sending identity.
type SendLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewSendLimiter allows perSecond sends per identity with the given burst.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	cache, _ := lru.New[string, *rate.Limiter](maxLimitedIdentities)
	return &SendLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: cache,
	}
}

// Allow reports whether identity may send now.
func (l *SendLimiter) Allow(identity string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(identity)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(identity, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}
