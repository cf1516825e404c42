package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter keyed by client IP.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     int
	window   time.Duration
	trusted  func(ip string) bool
}

type visitor struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter allows rate requests per window. trusted reports whether an
// IP is a reverse proxy whose X-Forwarded-For may be believed; nil trusts none.
func NewRateLimiter(ctx context.Context, rate int, window time.Duration, trusted func(ip string) bool) *RateLimiter {
	if trusted == nil {
		trusted = func(string) bool { return false }
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		trusted:  trusted,
	}
	go rl.cleanup(ctx)
	return rl
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.windowStart) > rl.window {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) getIP(r *http.Request) string {
	remoteIP, ok := normalizeIP(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !rl.trusted(remoteIP) {
		return remoteIP
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remoteIP
	}

	parts := strings.Split(forwarded, ",")
	chain := make([]string, 0, len(parts))
	for _, part := range parts {
		if ip, ok := normalizeIP(part); ok {
			chain = append(chain, ip)
		}
	}
	if len(chain) == 0 {
		return remoteIP
	}

	// Walk back from the nearest hop and stop at the first one we don't run.
	for i := len(chain) - 1; i >= 0; i-- {
		if !rl.trusted(chain[i]) {
			return chain[i]
		}
	}
	return chain[0]
}

func normalizeIP(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}

	if host, _, err := net.SplitHostPort(value); err == nil {
		value = strings.TrimSpace(host)
	}
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")

	parsed := net.ParseIP(value)
	if parsed == nil {
		return "", false
	}
	return parsed.String(), true
}

// Allow counts one hit for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok || now.Sub(v.windowStart) > rl.window {
		rl.visitors[key] = &visitor{windowStart: now, count: 1}
		return true
	}
	v.count++
	return v.count <= rl.rate
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.getIP(r)) {
			WriteJSONError(w, "Too many requests. Please try again later.", "RATE_LIMITED", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
