package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/sudo-init-do/rewardgate/internal/utils"
)

// Limiter decides whether key may make another call. When it refuses, it
// also reports how long until a slot frees up.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RedisLimiter is a sliding window shared by every API instance. Each call
// is a member of a sorted set scored by its timestamp.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	limit  int
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, prefix string, window time.Duration, limit int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, window: window, limit: limit, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	k := l.prefix + key
	cutoff := now.Add(-l.window).UnixMicro()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit window: %w", err)
	}
	if int(card.Val()) >= l.limit {
		wait := l.window
		if o := oldest.Val(); len(o) > 0 {
			wait = time.UnixMicro(int64(o[0].Score)).Add(l.window).Sub(now)
		}
		return false, wait, nil
	}

	pipe = l.rdb.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()})
	pipe.PExpire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit record: %w", err)
	}
	return true, 0, nil
}

// MemoryLimiter is the single-process sliding window used when Redis is not
// configured.
type MemoryLimiter struct {
	windows map[string][]time.Time
	window  time.Duration
	limit   int
	now     func() time.Time
	mu      sync.Mutex
}

func NewMemoryLimiter(window time.Duration, limit int) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string][]time.Time),
		window:  window,
		limit:   limit,
		now:     time.Now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	kept := m.windows[key][:0]
	for _, t := range m.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= m.limit {
		m.windows[key] = kept
		return false, kept[0].Add(m.window).Sub(now), nil
	}
	m.windows[key] = append(kept, now)
	return true, 0, nil
}

// Sweep drops keys with no calls inside the window.
func (m *MemoryLimiter) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.window)
	for key, ts := range m.windows {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(m.windows, key)
		}
	}
}

// KeyFunc picks what a limit applies to.
type KeyFunc func(c echo.Context) string

// ByUser limits per authenticated user and falls back to the client IP.
func ByUser(c echo.Context) string {
	if id := utils.UserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.RealIP()
}

func ByIP(c echo.Context) string {
	return "ip:" + c.RealIP()
}

// RateLimit rejects calls over the limit with 429 and a Retry-After header.
// Limiter failures let the call through.
func RateLimit(l Limiter, key KeyFunc, log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, wait, err := l.Allow(c.Request().Context(), key(c))
			if err != nil {
				log.WarnContext(c.Request().Context(), "rate limiter unavailable", "error", err, "path", c.Path())
				return next(c)
			}
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many requests, try again later"})
			}
			return next(c)
		}
	}
}
