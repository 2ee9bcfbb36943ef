package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// endpointLimiter enforces a requests-per-minute budget per caller (by
// API key, falling back to remote address) for a single endpoint. Callers
// sharing a key are rate limited together, not per-request.
type endpointLimiter struct {
	reqPerMin int
	burst     int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newEndpointLimiter(reqPerMin, burst int) *endpointLimiter {
	return &endpointLimiter{
		reqPerMin: reqPerMin,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (l *endpointLimiter) allow(key string) bool {
	return l.getLimiter(key).Allow()
}

func (l *endpointLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.reqPerMin)), l.burst)
	l.limiters[key] = lim
	return lim
}
