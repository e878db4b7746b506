// Package ratelimit throttles inbound user messages with one token bucket
// per key (user id, or client IP for unauthenticated routes).
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// PerMinute is the sustained number of events per key per minute
	PerMinute int
	// Burst allows brief bursts above the sustained rate
	Burst int
	// IdleTTL evicts keys not seen for this long
	IdleTTL time.Duration
	// CleanupInterval is how often idle keys are swept
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PerMinute:       30,
		Burst:           10,
		IdleTTL:         10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks a token bucket per key.
type Limiter struct {
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	interval time.Duration

	mu    sync.Mutex
	byKey map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its idle-key sweeper. A non-positive
// rate disables limiting entirely.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	limit := rate.Inf
	if cfg.PerMinute > 0 {
		limit = rate.Limit(float64(cfg.PerMinute) / 60.0)
	}
	l := &Limiter{
		limit:    limit,
		burst:    cfg.Burst,
		idleTTL:  cfg.IdleTTL,
		interval: cfg.CleanupInterval,
		byKey:    make(map[string]*entry),
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.idleTTL)
	for k, e := range l.byKey {
		if e.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

// Stop stops the sweeper goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether one event for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt is Allow with an explicit clock reading.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	key = strings.TrimSpace(key)
	if key == "" || l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// Middleware rate limits by the :user route parameter, falling back to
// the client IP on routes without one.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("user")
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many messages. Please slow down.",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}
