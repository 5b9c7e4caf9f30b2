package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// clientWindow counts one client's requests inside the current window.
type clientWindow struct {
	count     int
	startedAt time.Time
}

// WriteLimiter caps how often a single client may hit the mutating endpoints.
// Those endpoints (manual refresh, symbol onboarding) reach the upstream
// provider, so the cap keeps one client from converting HTTP requests into
// upstream traffic. Fixed window per client IP.
type WriteLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientWindow
	lastSweep time.Time
	limit     int
	window    time.Duration
	log       *zap.Logger

	now func() time.Time
}

// NewWriteLimiter creates a limiter allowing limit requests per client per
// window. Zero values fall back to 10 requests per minute.
func NewWriteLimiter(limit int, window time.Duration, log *zap.Logger) *WriteLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WriteLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		log:     log,
		now:     time.Now,
	}
}

// allow reports whether the client may proceed, the remaining quota, and the
// wait until the window resets when denied.
func (wl *WriteLimiter) allow(client string) (bool, int, time.Duration) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := wl.now()
	wl.sweepLocked(now)

	win, ok := wl.clients[client]
	if !ok || now.Sub(win.startedAt) >= wl.window {
		wl.clients[client] = &clientWindow{count: 1, startedAt: now}
		return true, wl.limit - 1, 0
	}
	if win.count >= wl.limit {
		return false, 0, wl.window - now.Sub(win.startedAt)
	}
	win.count++
	return true, wl.limit - win.count, 0
}

// sweepLocked drops expired windows, at most once per window so a hot path
// never pays for a full map scan on every request.
func (wl *WriteLimiter) sweepLocked(now time.Time) {
	if now.Sub(wl.lastSweep) < wl.window {
		return
	}
	wl.lastSweep = now
	for client, win := range wl.clients {
		if now.Sub(win.startedAt) >= wl.window {
			delete(wl.clients, client)
		}
	}
}

// Middleware returns the gin handler enforcing the cap.
func (wl *WriteLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, retryIn := wl.allow(c.ClientIP())
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryIn.Seconds())+1))
			wl.log.Warn("write rate limit hit",
				zap.String("client", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests, retry later",
			})
			return
		}
		c.Next()
	}
}
