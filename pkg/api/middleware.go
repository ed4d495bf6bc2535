package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// authMiddleware enforces the optional bearer token. With no token
// configured, every request passes and the reviewer identity falls back to
// anonymous.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Set("reviewer", "anonymous")
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || presented != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("reviewer", "token-bearer")
		c.Next()
	}
}

// rateLimiter enforces a per-IP request budget over a sliding one-minute
// window: a request is admitted iff fewer than limit requests from the same
// IP landed in the preceding window. Idle IPs are swept once per window.
type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	visitors  map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limit:    perMinute,
		window:   time.Minute,
		visitors: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	kept := pruned(rl.visitors[ip], cutoff)
	if len(kept) >= rl.limit {
		rl.visitors[ip] = kept
		return false
	}
	rl.visitors[ip] = append(kept, now)

	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweepLocked(cutoff)
		rl.lastSweep = now
	}
	return true
}

// sweepLocked drops IPs whose every stamp has aged out of the window.
func (rl *rateLimiter) sweepLocked(cutoff time.Time) {
	for ip, stamps := range rl.visitors {
		if kept := pruned(stamps, cutoff); len(kept) == 0 {
			delete(rl.visitors, ip)
		} else {
			rl.visitors[ip] = kept
		}
	}
}

// pruned returns the suffix of stamps newer than cutoff. Stamps are
// append-only, so the slice is already ordered.
func pruned(stamps []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}

// middleware rejects over-budget clients with 429 and a Retry-After hint.
func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, retry in 60s",
			})
			return
		}
		c.Next()
	}
}

// contentTypeMiddleware checks mutating requests: multipart for uploads,
// JSON otherwise.
func contentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		ct := c.ContentType()
		if ct == "multipart/form-data" || ct == "application/json" {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "content type must be application/json or multipart/form-data",
		})
	}
}

// originMiddleware rejects browser-originating requests from a different
// origin than the configured one. Requests without an Origin header (CLI,
// server-to-server) pass.
func originMiddleware(allowed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowed == "" {
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		if origin != "" && origin != allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		if origin == allowed {
			c.Header("Access-Control-Allow-Origin", allowed)
		}
		c.Next()
	}
}
