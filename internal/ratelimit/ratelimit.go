// Package ratelimit implements the read API's per-remote-IP sliding
// window, evicting idle entries so the map does not grow unbounded.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token-bucket per IP, approximating a sliding window
// at the configured requests-per-minute rate.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	ttl      time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter allowing perMinute requests per minute per IP,
// evicting visitors idle longer than ttl.
func New(perMinute int, ttl time.Duration) *Limiter {
	return &Limiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		ttl:      ttl,
	}
}

// Allow reports whether a request from ip may proceed, consuming one
// token from that IP's bucket.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()

	l.evictLocked()

	return v.limiter.Allow()
}

func (l *Limiter) evictLocked() {
	cutoff := time.Now().Add(-l.ttl)
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}
