package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/wikibothq/wikibot/pkg/httputil"
)

// RateLimitConfig controls the fixed-window limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
	// LocalCacheSize bounds the in-process fallback limiter's key cache.
	LocalCacheSize int
}

// DefaultRateLimitConfig returns sensible defaults: 300 requests/minute.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 300,
		WindowDuration:    time.Minute,
		LocalCacheSize:    10000,
	}
}

// Limiter decides whether a request keyed by identity may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter shares rate-limit windows across instances via Redis.
type RedisLimiter struct {
	client *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter.
func NewRedisLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *RedisLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, config: config, prefix: prefix}
}

// Allow increments the caller's window counter atomically. On Redis errors
// it fails open so a cache outage never takes the API down with it.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

type windowCounter struct {
	count int64
}

// LocalLimiter is the in-process fallback when Redis is unconfigured. Keys
// live in a bounded expirable LRU whose TTL is the window duration. This
// cache holds request counters only; permission state is never cached
// anywhere in the system.
type LocalLimiter struct {
	cache  *expirable.LRU[string, *windowCounter]
	config *RateLimitConfig
	mu     sync.Mutex
}

// NewLocalLimiter creates a bounded in-process fixed-window limiter.
func NewLocalLimiter(config *RateLimitConfig) *LocalLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	size := config.LocalCacheSize
	if size <= 0 {
		size = 10000
	}
	return &LocalLimiter{
		cache:  expirable.NewLRU[string, *windowCounter](size, nil, config.WindowDuration),
		config: config,
	}
}

// Allow increments the caller's window counter.
func (ll *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	ll.mu.Lock()
	counter, ok := ll.cache.Get(key)
	if !ok {
		counter = &windowCounter{}
		ll.cache.Add(key, counter)
	}
	ll.mu.Unlock()

	return atomic.AddInt64(&counter.count, 1) <= int64(ll.config.RequestsPerWindow), nil
}

// RateLimit applies the limiter keyed by resolved identity: bot traffic
// shares one key, users are keyed by id, anonymous callers by client IP.
func RateLimit(limiter Limiter, logger *logrus.Logger) func(http.Handler) http.Handler {
	log := logrus.NewEntry(logrus.New())
	if logger != nil {
		log = logger.WithField("component", "ratelimit")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				log.WithError(err).Warn("rate limiter unavailable, failing open")
			}
			if !allowed {
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	identity := IdentityFrom(r.Context())
	switch {
	case identity.IsBot():
		return "bot"
	case identity.IsUser():
		return "user:" + identity.UserID
	default:
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
}
