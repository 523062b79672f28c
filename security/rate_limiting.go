package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	windowKeyPrefix = "ratelimit:"
	// forget idle per-client buckets once this many accumulate
	maxTrackedClients = 10000
)

var suspiciousAgents = []string{"bot", "crawler", "spider", "scraper"}

// RateLimiter throttles each client twice: a local token bucket absorbs
// bursts, and a per-minute Redis counter caps the client across instances.
// A nil Redis client disables the shared window.
type RateLimiter struct {
	redis     *redis.Client
	perMinute int
	burst     int
	logger    logrus.FieldLogger
	now       func() time.Time
	clientOf  func(e *core.RequestEvent) string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(redisClient *redis.Client, perMinute, burst int, logger logrus.FieldLogger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		redis:     redisClient,
		perMinute: perMinute,
		burst:     burst,
		logger:    logger,
		now:       time.Now,
		clientOf:  func(e *core.RequestEvent) string { return e.RealIP() },
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) limiter(client string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[client]
	if !ok {
		if len(r.limiters) >= maxTrackedClients {
			r.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Limit(float64(r.perMinute)/60), r.burst)
		r.limiters[client] = l
	}
	return l
}

func windowKey(client string, at time.Time) string {
	return fmt.Sprintf("%s%s:%d", windowKeyPrefix, client, at.Unix()/60)
}

// Allow reports whether the client may make another request. Redis errors
// fail open.
func (r *RateLimiter) Allow(ctx context.Context, client string) bool {
	if r.perMinute <= 0 {
		return true
	}
	now := r.now()
	if !r.limiter(client).AllowN(now, 1) {
		return false
	}
	if r.redis == nil {
		return true
	}

	key := windowKey(client, now)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		r.logger.WithError(err).Warn("rate limit window unavailable")
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, key, 2*time.Minute)
	}
	return count <= int64(r.perMinute)
}

// Middleware rejects crawlers and throttled clients.
func (r *RateLimiter) Middleware(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return apis.NewForbiddenError("Access denied.", nil)
	}
	client := r.clientOf(e)
	if !r.Allow(e.Request.Context(), client) {
		r.logger.WithField("client", client).Debug("request throttled")
		return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
	}
	return e.Next()
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range suspiciousAgents {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
