package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client key. Buckets idle for
// longer than idleTTL are dropped on the next sweep.
type ClientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	limiters map[string]*clientBucket
	lastGC   time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows qps requests per second per client with the given
// burst. qps <= 0 means unlimited.
func NewClientLimiter(qps float64, burst int) *ClientLimiter {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ClientLimiter{
		limit:    limit,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*clientBucket),
		lastGC:   time.Now(),
	}
}

func (cl *ClientLimiter) Allow(client string) bool {
	now := time.Now()
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if now.Sub(cl.lastGC) > cl.idleTTL {
		for k, b := range cl.limiters {
			if now.Sub(b.lastSeen) > cl.idleTTL {
				delete(cl.limiters, k)
			}
		}
		cl.lastGC = now
	}

	b, ok := cl.limiters[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.limiters[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Clients is the number of tracked buckets.
func (cl *ClientLimiter) Clients() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}
