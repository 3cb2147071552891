package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"msgflow/pkg/metrics"
)

type Limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// perClient holds one token bucket per client IP.
type perClient struct {
	config   RateLimitConfig
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func (p *perClient) get(clientIP string, now time.Time) *Limiter {
	p.mu.RLock()
	limiter, exists := p.limiters[clientIP]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		limiter, exists = p.limiters[clientIP]
		if !exists {
			limiter = &Limiter{
				limiter: rate.NewLimiter(rate.Limit(p.config.RPS), p.config.Burst),
			}
			p.limiters[clientIP] = limiter
		}
		p.mu.Unlock()
	}

	limiter.mu.Lock()
	limiter.lastSeen = now
	limiter.mu.Unlock()
	return limiter
}

func (p *perClient) evict(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for ip, limiter := range p.limiters {
		limiter.mu.Lock()
		lastSeen := limiter.lastSeen
		limiter.mu.Unlock()
		if now.Sub(lastSeen) > p.config.MaxAge {
			delete(p.limiters, ip)
			evicted++
		}
	}
	return evicted
}

// RateLimitMiddleware limits requests per client IP. The idle-limiter sweeper
// stops when ctx is done.
func RateLimitMiddleware(ctx context.Context, config RateLimitConfig) gin.HandlerFunc {
	clients := &perClient{
		config:   config,
		limiters: make(map[string]*Limiter),
	}

	if config.CleanupInterval > 0 {
		go func() {
			ticker := time.NewTicker(config.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					clients.evict(now)
				}
			}
		}()
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		limiter := clients.get(clientIP, time.Now())

		c.Header("X-RateLimit-Limit", formatRate(config.RPS))
		if !limiter.limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()

		remaining := int(limiter.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

func formatRate(rps float64) string {
	return strconv.FormatFloat(rps, 'f', -1, 64)
}
