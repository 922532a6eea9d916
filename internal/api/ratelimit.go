package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdleTimeout is how long an unused client limiter is kept
const clientIdleTimeout = time.Hour

// RateLimiter applies a token bucket per client address
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	limit rate.Limit
	burst int
	now   func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given
// burst per client. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether a request from clientID may proceed now
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl.limit == rate.Inf {
		return true
	}

	now := rl.now()
	rl.mu.Lock()
	client, ok := rl.clients[clientID]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[clientID] = client
	}
	client.lastSeen = now
	rl.mu.Unlock()

	return client.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// CleanupExpiredClients removes limiters idle for longer than an hour
func (rl *RateLimiter) CleanupExpiredClients() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, client := range rl.clients {
		if now.Sub(client.lastSeen) > clientIdleTimeout {
			delete(rl.clients, id)
		}
	}
}

// RateLimitMiddleware rejects requests over the client's budget with 429
func (rl *RateLimiter) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit != rate.Inf {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(rl.limit), 'f', -1, 64))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(rl.burst))
		}
		if !rl.Allow(getClientID(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientID extracts a client identifier from the request
func getClientID(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
