package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealreg/internal/logger"
)

func TestTokenBucketRefills(t *testing.T) {
	clock := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "ip")
	assert.False(t, ok, "bucket exhausted")

	ok, _ = l.Allow(ctx, "other-ip")
	assert.True(t, ok, "keys are independent")

	clock = clock.Add(time.Second)
	ok, _ = l.Allow(ctx, "ip")
	assert.True(t, ok, "one token refilled after a second")
}

func TestRedisWindowFallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewRedisWindow(client, 100, NewTokenBucket(1, 1))

	ok, err := l.Allow(context.Background(), "ip")
	assert.Error(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(context.Background(), "ip")
	assert.False(t, ok)
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(NewTokenBucket(1, 1), logger.Discard()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
