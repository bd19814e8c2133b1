package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	KeyPrefix string
	// Name separates independent limiters sharing a prefix, e.g. "login".
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

const incrementScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`

var incrementLua = redis.NewScript(incrementScript)

// Limiter enforces a fixed-window budget per key using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) (*Limiter, error) {
	if redisClient == nil {
		return nil, errors.New("rate: redis client is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("rate: name is required")
	}
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate: limit and window must be > 0")
	}
	return &Limiter{redis: redisClient, config: cfg}, nil
}

func (l *Limiter) key(k string) string {
	return l.config.KeyPrefix + ":rl:" + l.config.Name + ":" + k
}

// Allow counts one hit for key and reports whether it is within budget.
// A rejected hit still counts, so a client hammering the endpoint does not
// shorten its own window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{Allowed: true}, nil
	}
	raw, err := incrementLua.Run(ctx, l.redis, []string{l.key(key)}, l.config.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected lua result type", ErrRedisUnavailable)
	}
	count, _ := vals[0].(int64)
	pttl, _ := vals[1].(int64)

	d := Decision{Count: int(count), Allowed: count <= int64(l.config.Limit)}
	if !d.Allowed {
		d.RetryAfter = time.Duration(pttl) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = l.config.Window
		}
	}
	return d, nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Count returns the hits recorded in the current window.
func (l *Limiter) Count(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}
