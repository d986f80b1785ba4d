package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	idleExpiry      = 30 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// Limiter is a per-key token bucket. Buckets idle for 30 minutes are evicted.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *gocache.Cache
}

// New creates a limiter allowing perMinute requests per key with the given
// burst. perMinute <= 0 disables limiting.
func New(perMinute float64, burst int) *Limiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		buckets: gocache.New(idleExpiry, cleanupInterval),
	}
}

// Allow reports whether one more request from key fits in its bucket.
func (l *Limiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var bucket *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		bucket = v.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-set on every hit so the idle expiry slides.
	l.buckets.Set(key, bucket, gocache.DefaultExpiration)
	return bucket.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.buckets.ItemCount()
}

// Middleware rejects requests over the per-IP limit by serving reject.
func (l *Limiter) Middleware(reject http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(ClientIP(r)) {
				reject.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of r.RemoteAddr. Behind a proxy, run chi's
// RealIP middleware first so RemoteAddr holds the forwarded address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
