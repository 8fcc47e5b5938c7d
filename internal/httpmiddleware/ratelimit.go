// Package httpmiddleware holds cross-cutting gin middleware.
package httpmiddleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request for key fits the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket is a per-key in-memory limiter refilled continuously.
type TokenBucket struct {
	capacity  float64
	perMinute float64
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket allows bursts of capacity and refills perMinute tokens a minute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity:  float64(capacity),
		perMinute: float64(perMinute),
		now:       time.Now,
		state:     make(map[string]*bucket),
	}
}

func (l *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.state[key] = b
	}
	b.tokens = min(l.capacity, b.tokens+now.Sub(b.last).Minutes()*l.perMinute)
	b.last = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisWindow counts requests per key in fixed one-minute windows shared by
// every replica. When Redis fails it answers from a local fallback.
type RedisWindow struct {
	client   *redis.Client
	limit    int64
	window   time.Duration
	prefix   string
	fallback Limiter
	now      func() time.Time
}

// NewRedisWindow builds a shared limiter with a local fallback.
func NewRedisWindow(client *redis.Client, perMinute int, fallback Limiter) *RedisWindow {
	return &RedisWindow{
		client:   client,
		limit:    int64(perMinute),
		window:   time.Minute,
		prefix:   "mealreg:ratelimit:",
		fallback: fallback,
		now:      time.Now,
	}
}

func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().Truncate(l.window).Unix()
	redisKey := l.prefix + key + ":" + strconv.FormatInt(slot, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, l.window+time.Second)
		return nil
	})
	if err != nil {
		allowed, _ := l.fallback.Allow(ctx, key)
		return allowed, fmt.Errorf("redis rate limit: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// RateLimit rejects callers over budget with 429, keyed by client IP.
// Limiter errors are logged; the limiter's answer still applies.
func RateLimit(l Limiter, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		allowed, err := l.Allow(c.Request.Context(), ip)
		if err != nil {
			log.WarnContext(c.Request.Context(), "rate limiter degraded", "error", err)
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
