package rate

import "errors"

var (
	// ErrRateLimited is returned when the caller exceeded its window budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
