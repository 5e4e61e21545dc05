package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

// RateLimiter keeps a token bucket per client. Requests cost one token unless the route says
// otherwise, so an expensive call such as a refresh drains the bucket faster than a listing.
type RateLimiter struct {
	clock clockwork.Clock
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(clock clockwork.Clock, r rate.Limit, burst int) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		clock:   clock,
		rate:    r,
		burst:   burst,
		clients: make(map[string]*client),
	}
}

// Take spends cost tokens of key's bucket. When the bucket is short it spends nothing and returns the
// wait until the tokens would be available.
func (rl *RateLimiter) Take(key string, cost int) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now

	if cost > rl.burst {
		cost = rl.burst
	}
	res := c.bucket.ReserveN(now, cost)
	if !res.OK() {
		return false, limiterIdleTTL
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Run forgets clients idle for longer than the TTL until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := rl.clock.NewTicker(limiterIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rl.forgetIdle()
		}
	}
}

func (rl *RateLimiter) forgetIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock.Now().Add(-limiterIdleTTL)
	n := 0
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

// Limit returns middleware charging cost tokens per request and answering 429 once a client runs dry.
func (rl *RateLimiter) Limit(cost int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := rl.Take(clientIP(r), cost)
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			secs := max(int((wait+time.Second-1)/time.Second), 1)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "rate_limit_exceeded",
				"retry_after": secs,
			})
		})
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr behind a proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
