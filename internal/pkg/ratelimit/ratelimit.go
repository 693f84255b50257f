// Package ratelimit throttles ERP requests with a redis token bucket shared by
// every process that talks to the same ERP.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"erpsync/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrWaitAborted is returned when the caller's context ends while waiting
// for a token.
var ErrWaitAborted = errors.New("erp rate limit wait aborted")

// DefaultKey is the bucket shared by all ERP connectors.
const DefaultKey = "erpsync:ratelimit:erp"

// The bucket hash holds the token count, the last refill time and an
// optional pause deadline set after the ERP answered 429.
const takeScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local b = redis.call("HMGET", KEYS[1], "tokens", "ts", "paused_until")
local tokens = tonumber(b[1]) or burst
local ts = tonumber(b[2]) or now
local paused = tonumber(b[3]) or 0

if paused > now then
  return {0, paused - now}
end

tokens = math.min(burst, tokens + math.max(0, now - ts) * rate / 1000.0)
local wait = 0
local ok = 0
if tokens >= 1 then
  tokens = tokens - 1
  ok = 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 2000.0) + math.max(0, paused - now))
return {ok, wait}
`

const pauseScript = `
local untilMs = tonumber(ARGV[1])
local cur = tonumber(redis.call("HGET", KEYS[1], "paused_until")) or 0
if untilMs > cur then
  redis.call("HSET", KEYS[1], "paused_until", untilMs)
  local ttl = redis.call("PTTL", KEYS[1])
  local need = untilMs - tonumber(ARGV[2])
  if ttl < need then
    redis.call("PEXPIRE", KEYS[1], need)
  end
end
return 1
`

// Config describes one bucket. Rate is requests per second.
type Config struct {
	Key   string
	Rate  float64
	Burst float64
}

// Limiter hands out one token per ERP request. A nil *Limiter, a nil redis
// client or a non-positive rate never blocks.
type Limiter struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
	take   *redis.Script
	pause  *redis.Script
	now    func() time.Time
}

func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		take:   redis.NewScript(takeScript),
		pause:  redis.NewScript(pauseScript),
		now:    time.Now,
	}
}

func (l *Limiter) disabled() bool {
	return l == nil || l.rdb == nil || l.cfg.Rate <= 0 || l.cfg.Burst <= 0
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.disabled() {
		return nil
	}
	start := l.now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	for {
		ok, wait, err := l.tryTake(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
		l.logger.Debug("erp rate limit wait", slog.String("key", l.cfg.Key), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitTimeoutTotal.Inc()
			return fmt.Errorf("%w: %w", ErrWaitAborted, ctx.Err())
		case <-timer.C:
		}
	}
}

// Pause stops every holder of the bucket from taking tokens for d. The ERP
// asks for this with a Retry-After header on 429. A shorter pause never
// shortens a longer one already in place.
func (l *Limiter) Pause(ctx context.Context, d time.Duration) error {
	if l.disabled() || d <= 0 {
		return nil
	}
	now := l.now().UnixMilli()
	if err := l.pause.Run(ctx, l.rdb, []string{l.cfg.Key}, now+d.Milliseconds(), now).Err(); err != nil {
		return fmt.Errorf("ratelimit pause: %w", err)
	}
	l.logger.Warn("erp asked to slow down", slog.String("key", l.cfg.Key), slog.Duration("pause", d))
	return nil
}

func (l *Limiter) tryTake(ctx context.Context) (bool, time.Duration, error) {
	res, err := l.take.Run(ctx, l.rdb, []string{l.cfg.Key}, l.cfg.Rate, l.cfg.Burst, l.now().UnixMilli()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	values, ok := res.([]any)
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	return asInt(values[0]) == 1, time.Duration(asInt(values[1])) * time.Millisecond, nil
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
