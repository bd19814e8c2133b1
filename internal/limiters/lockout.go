package limiters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig holds configuration for the login attempt tracker.
type LockoutConfig struct {
	Enabled     bool
	MaxAttempts int
	Duration    time.Duration
	KeyPrefix   string
	// Timeout bounds every backend call. Zero means 250ms.
	Timeout time.Duration
	Now     func() time.Time
}

const defaultTimeout = 250 * time.Millisecond

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// The counter window starts at the first failure. Reaching the threshold
// sets the lock marker and clears the counter. The script runs atomically
// and returns early while a marker is live, so only one caller observes the
// transition.
const recordFailureScript = `
local count_key = KEYS[1]
local lock_key = KEYS[2]
local max = tonumber(ARGV[1])
local duration = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local locked_until = tonumber(redis.call("GET", lock_key) or "0")
if locked_until > now then
  return {tonumber(redis.call("GET", count_key) or "0"), locked_until, 0}
end

local count = redis.call("INCR", count_key)
if count == 1 then
  redis.call("PEXPIRE", count_key, duration)
end
if count >= max then
  local until_ms = now + duration
  redis.call("SET", lock_key, until_ms, "PX", duration)
  redis.call("DEL", count_key)
  return {count, until_ms, 1}
end
return {count, 0, 0}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// A successful login clears the counter only when no lock is live, so a
// correct guess racing the failure that locked the account cannot undo it.
const clearFailuresScript = `
local locked_until = tonumber(redis.call("GET", KEYS[2]) or "0")
if locked_until > tonumber(ARGV[1]) then
  return locked_until
end
redis.call("DEL", KEYS[1])
return 0
`

var clearFailuresLua = redis.NewScript(clearFailuresScript)

// FailureResult is the outcome of one recorded failure.
type FailureResult struct {
	Count       int
	LockedUntil time.Time
	// Transitioned is true for exactly one failure per lock period: the one
	// that moved the account from counting to locked.
	Transitioned bool
}

// Locked reports whether the account is locked after this failure.
func (r FailureResult) Locked() bool {
	return !r.LockedUntil.IsZero()
}

// LockoutLimiter tracks consecutive failed logins per account and locks the
// account for a fixed duration once the threshold is reached.
type LockoutLimiter struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

// NewLockoutLimiter creates a new lockout limiter.
func NewLockoutLimiter(redisClient redis.UniversalClient, cfg LockoutConfig) *LockoutLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &LockoutLimiter{redis: redisClient, config: cfg}
}

func (l *LockoutLimiter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.config.Timeout)
}

func (l *LockoutLimiter) countKey(account string) string {
	return l.config.KeyPrefix + ":la:" + account
}

func (l *LockoutLimiter) lockKey(account string) string {
	return l.config.KeyPrefix + ":lk:" + account
}

// RecordFailure counts one failed attempt for account.
func (l *LockoutLimiter) RecordFailure(ctx context.Context, account string) (FailureResult, error) {
	if l == nil || !l.config.Enabled || account == "" {
		return FailureResult{}, nil
	}
	ctx, cancel := l.opContext(ctx)
	defer cancel()

	raw, err := recordFailureLua.Run(ctx, l.redis,
		[]string{l.countKey(account), l.lockKey(account)},
		l.config.MaxAttempts,
		l.config.Duration.Milliseconds(),
		l.config.Now().UnixMilli(),
	).Result()
	if err != nil {
		return FailureResult{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return FailureResult{}, fmt.Errorf("%w: unexpected lua result type", ErrLockoutUnavailable)
	}
	count, _ := vals[0].(int64)
	untilMillis, _ := vals[1].(int64)
	transitioned, _ := vals[2].(int64)

	res := FailureResult{Count: int(count), Transitioned: transitioned == 1}
	if untilMillis > 0 {
		res.LockedUntil = time.UnixMilli(untilMillis)
	}
	return res, nil
}

// IsLocked reports whether account is locked right now and until when.
func (l *LockoutLimiter) IsLocked(ctx context.Context, account string) (bool, time.Time, error) {
	if l == nil || !l.config.Enabled || account == "" {
		return false, time.Time{}, nil
	}
	ctx, cancel := l.opContext(ctx)
	defer cancel()

	raw, err := l.redis.Get(ctx, l.lockKey(account)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	untilMillis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: corrupt lock marker", ErrLockoutUnavailable)
	}
	until := time.UnixMilli(untilMillis)
	if !l.config.Now().Before(until) {
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// Reset clears both the failure counter and any lock for account. It is
// called after a successful login and by administrative unlock.
func (l *LockoutLimiter) Reset(ctx context.Context, account string) error {
	if l == nil || !l.config.Enabled || account == "" {
		return nil
	}
	ctx, cancel := l.opContext(ctx)
	defer cancel()

	if err := l.redis.Del(ctx, l.countKey(account), l.lockKey(account)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// ClearFailures resets the counter after a successful login. It leaves a
// live lock in place and reports it instead.
func (l *LockoutLimiter) ClearFailures(ctx context.Context, account string) (bool, time.Time, error) {
	if l == nil || !l.config.Enabled || account == "" {
		return false, time.Time{}, nil
	}
	ctx, cancel := l.opContext(ctx)
	defer cancel()

	untilMillis, err := clearFailuresLua.Run(ctx, l.redis,
		[]string{l.countKey(account), l.lockKey(account)},
		l.config.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if untilMillis > 0 {
		return true, time.UnixMilli(untilMillis), nil
	}
	return false, time.Time{}, nil
}

// GetFailureCount returns the current failure count for account.
func (l *LockoutLimiter) GetFailureCount(ctx context.Context, account string) (int, error) {
	if l == nil || !l.config.Enabled || account == "" {
		return 0, nil
	}
	ctx, cancel := l.opContext(ctx)
	defer cancel()

	count, err := l.redis.Get(ctx, l.countKey(account)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}
