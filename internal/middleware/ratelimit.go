package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a sliding-window in-memory limiter keyed by caller identity.
// It shields the transport from bursts; the per-account issuance policy lives
// in the OTP core against the database.
type RateLimiter struct {
	mu      sync.Mutex
	seen    map[string][]time.Time
	window  time.Duration
	maxHits int
}

// NewRateLimiter creates a limiter allowing maxHits per window per key.
func NewRateLimiter(window time.Duration, maxHits int) *RateLimiter {
	rl := &RateLimiter{
		seen:    make(map[string][]time.Time),
		window:  window,
		maxHits: maxHits,
	}
	go rl.sweep()
	return rl
}

// Allow records a hit for the key and reports whether it is within budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	hits := rl.seen[key][:0]
	for _, t := range rl.seen[key] {
		if t.After(cutoff) {
			hits = append(hits, t)
		}
	}
	if len(hits) >= rl.maxHits {
		rl.seen[key] = hits
		return false
	}
	rl.seen[key] = append(hits, now)
	return true
}

// sweep drops idle keys so the map doesn't grow without bound.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window)
		for key, hits := range rl.seen {
			live := hits[:0]
			for _, t := range hits {
				if t.After(cutoff) {
					live = append(live, t)
				}
			}
			if len(live) == 0 {
				delete(rl.seen, key)
			} else {
				rl.seen[key] = live
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the originating address, honoring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
