// Package httpmiddleware holds gin middleware that is not auth-specific.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SimpleTokenBucket is an in-memory per-IP rate limiter. Redemption sees
// legitimate bursts when a whole class scans the same code at once, so the
// bucket capacity absorbs a classroom's worth of requests and the refill
// rate caps sustained abuse. For multi-node deployments swap to Redis.
type SimpleTokenBucket struct {
	capacity  float64
	perSecond float64

	mu        sync.Mutex
	state     map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewSimpleTokenBucket creates a limiter holding capacity tokens, refilled
// at perMinute tokens per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity:  float64(capacity),
		perSecond: float64(perMinute) / 60,
		state:     make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// GinMiddleware enforces the per-IP limit, answering 429 when exhausted.
func (l *SimpleTokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *SimpleTokenBucket) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > 10*time.Minute {
		l.sweep(now)
	}

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, seen: now}
		return true
	}
	b.tokens += now.Sub(b.seen).Seconds() * l.perSecond
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to have fully refilled; they behave
// identically to absent entries. Caller holds the lock.
func (l *SimpleTokenBucket) sweep(now time.Time) {
	idle := time.Duration(l.capacity/l.perSecond) * time.Second
	for key, b := range l.state {
		if now.Sub(b.seen) > idle {
			delete(l.state, key)
		}
	}
	l.lastSweep = now
}
