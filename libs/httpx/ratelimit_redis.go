package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter counts requests per client in fixed windows shared by
// every replica.
type RedisRateLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

// Returns {count, remaining window in ms}. The expiry is set on the first hit only.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

func NewRedisRateLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisRateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "rl"
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

type windowState struct {
	count int64
	reset time.Duration
}

func (rl *RedisRateLimiter) hit(ctx context.Context, client string) (windowState, error) {
	vals, err := fixedWindow.Run(ctx, rl.rdb, []string{rl.prefix + ":" + client}, rl.window.Milliseconds()).Int64Slice()
	if err != nil {
		return windowState{}, err
	}
	if len(vals) != 2 {
		return windowState{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	reset := time.Duration(vals[1]) * time.Millisecond
	if reset <= 0 {
		reset = rl.window
	}
	return windowState{count: vals[0], reset: reset}, nil
}

// Middleware rejects with 429 once a client exceeds the window. When Redis
// fails, failOpen lets traffic through; otherwise the request gets 503.
func (rl *RedisRateLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, err := rl.hit(r.Context(), clientKey(r))
			if err != nil {
				logger.Warn("redis rate limiter unavailable", "err", err, "prefix", rl.prefix, "fail_open", failOpen)
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}
			remaining := int64(rl.limit) - st.count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			if st.count > int64(rl.limit) {
				secs := int((st.reset + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
