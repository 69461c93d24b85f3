package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window.
	Max int
	// Window is the limiting window.
	Window time.Duration
	// KeyFunc extracts the limiting key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// Limiter stores counters. Defaults to an in-memory sliding window.
	Limiter Limiter
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Decision is the outcome of a single Limiter.Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

type window struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryLimiter is a sliding window limiter local to the process.
type MemoryLimiter struct {
	max     int
	window  time.Duration
	mu      sync.Mutex
	entries map[string]*window
}

// NewMemoryLimiter creates a MemoryLimiter allowing max requests per window.
func NewMemoryLimiter(max int, win time.Duration) *MemoryLimiter {
	return &MemoryLimiter{max: max, window: win, entries: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &window{currStart: now.Truncate(l.window)}
		l.entries[key] = e
	}
	if now.Sub(e.currStart) >= l.window {
		e.prevCount = e.currCount
		e.prevStart = e.currStart
		e.currCount = 0
		e.currStart = now.Truncate(l.window)
		if now.Sub(e.prevStart) >= 2*l.window {
			e.prevCount = 0
		}
	}

	// The previous window counts in proportion to its overlap with the
	// sliding window ending now.
	overlap := 1.0 - now.Sub(e.currStart).Seconds()/l.window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	effective := e.prevCount*overlap + e.currCount
	d := Decision{ResetAt: e.currStart.Add(l.window)}
	if effective >= float64(l.max) {
		return d, nil
	}

	e.currCount++
	d.Allowed = true
	d.Remaining = max(int(float64(l.max)-effective-1), 0)
	return d, nil
}

// Cleanup drops keys whose windows have fully expired.
func (l *MemoryLimiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if now.Sub(e.currStart) >= 2*l.window {
			delete(l.entries, key)
		}
	}
}

// RunCleanup calls Cleanup every two windows until ctx is done.
func (l *MemoryLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Cleanup(now)
		}
	}
}

type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter is a fixed window limiter shared by all replicas.
type RedisLimiter struct {
	rdb    redisCounter
	prefix string
	max    int
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter keeping counters under prefix.
func NewRedisLimiter(rdb redis.Cmdable, prefix string, max int, win time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, max: max, window: win}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	start := now.Truncate(l.window)
	k := l.prefix + "ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)
	d := Decision{ResetAt: start.Add(l.window)}

	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return d, errors.Wrap(err, "redis incr")
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			return d, errors.Wrap(err, "redis expire")
		}
	} else if ttl, err := l.rdb.PTTL(ctx, k).Result(); err == nil && ttl < 0 {
		// Counter lost its expiry, e.g. the EXPIRE after INCR never ran.
		_ = l.rdb.Expire(ctx, k, l.window).Err()
	}

	if n > int64(l.max) {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.max - int(n)
	return d, nil
}

// RateLimit rejects requests over the configured limit with 429. Every
// response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. A failing Limiter lets the request through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewMemoryLimiter(cfg.Max, cfg.Window)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			now := cfg.Now()
			d, err := cfg.Limiter.Allow(ctx, cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(ctx).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitWithCleanup is RateLimit over a MemoryLimiter whose stale keys are
// evicted until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := NewMemoryLimiter(cfg.Max, cfg.Window)
	go l.RunCleanup(ctx)
	cfg.Limiter = l
	return RateLimit(cfg)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
