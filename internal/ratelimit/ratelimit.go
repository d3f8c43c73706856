// Package ratelimit throttles the status API's transaction-sending actions.
//
// Each key (client IP by default) owns a token bucket. Reads are not limited;
// only routes that spend the operator's gas go through the middleware.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// PerMinute is the sustained number of actions a key may submit
	PerMinute int
	// Burst is how many actions a fresh key may submit at once
	Burst int
	// CleanupInterval is how often idle keys are forgotten
	CleanupInterval time.Duration
}

// DefaultConfig allows one transaction every five seconds with a burst of
// five, enough to run a full round by hand.
func DefaultConfig() Config {
	return Config{
		PerMinute:       12,
		Burst:           5,
		CleanupInterval: time.Minute,
	}
}

// KeyFunc picks the bucket for a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP is the default KeyFunc.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// Limiter tracks token buckets by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter and starts its cleanup goroutine
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token from key's bucket, reporting whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst - 1), seen: now}
		return l.cfg.Burst > 0
	}

	b.tokens += now.Sub(b.seen).Seconds() * float64(l.cfg.PerMinute) / 60.0
	b.tokens = min(b.tokens, float64(l.cfg.Burst))
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter is the whole number of seconds until one token refills.
func (l *Limiter) retryAfter() int {
	if l.cfg.PerMinute <= 0 {
		return 60
	}
	return max(1, 60/l.cfg.PerMinute)
}

// Middleware rejects requests whose bucket is empty with 429.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			retry := l.retryAfter()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many lottery actions. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}
