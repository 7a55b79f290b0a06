package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Throttle classes recorded with refused requests.
const (
	classRegister = "register"
	classPush     = "push"
	classPull     = "pull"
	classOther    = "other"
)

const rateWindow = time.Minute

// RateLimiter counts requests per key in fixed one-minute windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	n     int
}

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window), now: time.Now}
}

// Allow counts one request against key and reports whether it fits within
// limit for the current window.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	win := rl.windows[key]
	if win == nil || now.Sub(win.start) >= rateWindow {
		rl.windows[key] = &window{start: now, n: 1}
		return limit > 0
	}
	if win.n >= limit {
		return false
	}
	win.n++
	return true
}

// sweep forgets windows that closed more than a window ago.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rateWindow)
	for k, win := range rl.windows {
		if win.start.Before(cutoff) {
			delete(rl.windows, k)
		}
	}
}

// remoteIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// throttle refuses the request with 429 and records it.
func (s *Server) throttle(w http.ResponseWriter, r *http.Request, tokenID, class string) {
	if s.metrics != nil {
		s.metrics.RecordThrottled()
	}
	if err := s.store.RecordThrottle(r.Context(), tokenID, remoteIP(r), class); err != nil {
		reqLog(r.Context()).Error("record throttle event", "err", err)
	}
	writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
}

// limitByIP rate-limits an unauthenticated endpoint per client address.
func (s *Server) limitByIP(class string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(class+"|ip|"+remoteIP(r), limit) {
			s.throttle(w, r, "", class)
			return
		}
		next(w, r)
	}
}

// limitByToken rate-limits an authenticated endpoint per token. It must sit
// inside requireAuth.
func (s *Server) limitByToken(class string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct := accountFrom(r.Context())
		if acct != nil && !s.limiter.Allow(class+"|tok|"+acct.TokenID, limit) {
			s.throttle(w, r, acct.TokenID, class)
			return
		}
		next(w, r)
	}
}
