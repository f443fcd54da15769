package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/identity"
)

// RateLimiter is a sliding-window limiter keyed by principal.
// Keys are owner keys, not session ids, so clients cannot bypass throttling
// by opening new sessions.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its eviction goroutine.
// Call Close to stop it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow records a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := fresh(rl.requests[key], now.Add(-rl.window))
	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stopCh)
		<-rl.doneCh
	})
}

func fresh(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (rl *RateLimiter) evictLoop() {
	defer close(rl.doneCh)
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-rl.window)
			for key, times := range rl.requests {
				if kept := fresh(times, cutoff); len(kept) == 0 {
					delete(rl.requests, key)
				} else {
					rl.requests[key] = kept
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimit rejects requests over the limit with RATE_LIMITED. The key is
// the authenticated principal when the gate ran first, else the client IP.
func RateLimit(rl *RateLimiter, onError identity.ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + identity.IPFromRequest(r)
			if p, ok := identity.PrincipalFromContext(r.Context()); ok {
				key = p.OwnerKey()
			}
			if !rl.Allow(key) {
				w.Header().Set("Retry-After", retryAfter(rl.window))
				onError(w, r, apperrors.New(apperrors.CodeRateLimited, "Too many requests, slow down").
					WithMetadata("key", key))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfter(window time.Duration) string {
	secs := int(window.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
