package handler

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/semanticweft/semanticweft/pkg/api"
)

// RateLimiter is a per-client fixed-window request counter. The window is
// one minute; an over-limit response carries Retry-After with the seconds
// until the window resets. A cap of 0 disables limiting.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cap     int
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing capPerMinute requests per
// client key per minute.
func NewRateLimiter(capPerMinute int) *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window), cap: capPerMinute}
}

// clientKey derives the limiter key: first hop of X-Forwarded-For, else
// X-Real-IP, else a shared "unknown" bucket.
func clientKey(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	return "unknown"
}

// check counts one request for key. It returns 0 when allowed, or the
// number of seconds until the window resets when over the cap.
func (rl *RateLimiter) check(key string, now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		// Opportunistically drop stale windows so the map stays bounded.
		for k, old := range rl.windows {
			if now.Sub(old.start) >= 2*time.Minute {
				delete(rl.windows, k)
			}
		}
		rl.windows[key] = &window{start: now, count: 1}
		return 0
	}
	if w.count >= rl.cap {
		secs := 60 - int(now.Sub(w.start).Seconds())
		if secs < 1 {
			secs = 1
		}
		return secs
	}
	w.count++
	return 0
}

// Middleware enforces the limit on every request it wraps. With a cap of 0
// it is a pass-through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	if rl.cap <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if retryAfter := rl.check(clientKey(c), time.Now()); retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			respondErr(c, http.StatusTooManyRequests, api.CodeRateLimitExceeded, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
