package main

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// authRealm is announced in the WWW-Authenticate challenge
const authRealm = `Basic realm="LLM Council"`

// maxTrackedClients bounds the tracker map. Failures from clients beyond it share
// one overflow bucket.
const maxTrackedClients = 10000

const overflowClient = "overflow"

// AttemptTracker limits failed authentication attempts per client.
// A client may fail maxAttempts times in a row; after that one attempt is
// restored every window/maxAttempts. Buckets that have refilled completely are
// forgotten by Prune.
type AttemptTracker struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	maxClients int
	now        func() time.Time
}

// NewAttemptTracker creates a tracker allowing maxAttempts failures per window.
func NewAttemptTracker(maxAttempts int, window time.Duration) *AttemptTracker {
	return &AttemptTracker{
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Every(window / time.Duration(maxAttempts)),
		burst:      maxAttempts,
		maxClients: maxTrackedClients,
		now:        time.Now,
	}
}

// IsLimited reports whether ip has no attempts left.
func (t *AttemptTracker) IsLimited(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	limiter, ok := t.limiters[ip]
	if !ok {
		if len(t.limiters) < t.maxClients {
			return false
		}
		if limiter, ok = t.limiters[overflowClient]; !ok {
			return false
		}
	}
	return limiter.TokensAt(t.now()) < 1
}

// RecordFailure uses up one attempt of ip.
func (t *AttemptTracker) RecordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	limiter, ok := t.limiters[ip]
	if !ok {
		if len(t.limiters) >= t.maxClients {
			t.pruneLocked(now)
		}
		if len(t.limiters) >= t.maxClients {
			ip = overflowClient
		}
		if limiter, ok = t.limiters[ip]; !ok {
			limiter = rate.NewLimiter(t.limit, t.burst)
			t.limiters[ip] = limiter
		}
	}
	limiter.AllowN(now, 1)
}

// Clear forgets the failures of ip after a successful login.
func (t *AttemptTracker) Clear(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.limiters, ip)
}

// Prune drops clients whose attempts have all been restored and returns how many
// are still tracked.
func (t *AttemptTracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(t.now())
	return len(t.limiters)
}

func (t *AttemptTracker) pruneLocked(now time.Time) {
	for ip, limiter := range t.limiters {
		if limiter.TokensAt(now) >= float64(t.burst) {
			delete(t.limiters, ip)
		}
	}
}

// RunPruner prunes the tracker every interval until ctx is done.
func (t *AttemptTracker) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Prune()
		}
	}
}

// clientIP returns the first X-Forwarded-For entry, falling back to the peer address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

// BasicAuth requires the shared password on every route except /health.
// Any username is accepted. With an empty password authentication is off.
func BasicAuth(password string, tracker *AttemptTracker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		ip := clientIP(c.Request)
		if tracker.IsLimited(ip) {
			logger.Warn("authentication rate limited", zap.String("client_ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many failed attempts. Try again later.",
			})
			return
		}

		_, given, ok := c.Request.BasicAuth()
		if ok && subtle.ConstantTimeCompare([]byte(given), []byte(password)) == 1 {
			tracker.Clear(ip)
			c.Next()
			return
		}

		tracker.RecordFailure(ip)
		c.Header("WWW-Authenticate", authRealm)
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}
