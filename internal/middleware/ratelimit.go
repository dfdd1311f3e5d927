package middleware

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-auth-api/internal/service"
	"github.com/noah-isme/lms-auth-api/pkg/config"
	appErrors "github.com/noah-isme/lms-auth-api/pkg/errors"
	"github.com/noah-isme/lms-auth-api/pkg/response"
)

// tokenBucketScript refills the bucket by whole intervals, takes one token
// when available and returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + (intervals * refill_tokens))
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = interval_ms - (now_ms - last_refill)
	if retry_after_ms < 0 then retry_after_ms = 0 end
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// RateLimiter throttles requests per client IP and route with a Redis token bucket.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	rdb     redis.Scripter
	logger  *zap.Logger
	metrics *service.MetricsService
	clock   clockwork.Clock
}

// NewRateLimiter constructs a limiter. A nil client or disabled config yields
// a pass-through middleware.
func NewRateLimiter(cfg config.RateLimitConfig, rdb redis.Scripter, logger *zap.Logger, metrics *service.MetricsService, clock clockwork.Clock) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &RateLimiter{cfg: cfg, rdb: rdb, logger: logger, metrics: metrics, clock: clock}
}

// Middleware returns the gin handler. Redis failures let the request through.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if l == nil || !l.cfg.Enabled || l.rdb == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s:%s:%s", l.cfg.Prefix, route, c.ClientIP())

		args := []interface{}{
			l.clock.Now().UnixMilli(),
			l.cfg.Capacity,
			l.cfg.RefillTokens,
			l.cfg.RefillInterval.Milliseconds(),
			int64(l.cfg.TTL / time.Second),
		}
		vals, err := tokenBucketScript.Run(c.Request.Context(), l.rdb, []string{key}, args...).Int64Slice()
		if err != nil || len(vals) != 3 {
			l.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		allowed, remaining, retryMs := vals[0] == 1, vals[1], vals[2]
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if !allowed {
			secs := int(math.Ceil(float64(retryMs) / 1000.0))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			l.metrics.RecordRateLimited(route)
			response.Error(c, appErrors.ErrTooManyRequests)
			c.Abort()
			return
		}
		c.Next()
	}
}
