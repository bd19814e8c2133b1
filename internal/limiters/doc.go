// Package limiters implements failed-login lockout on Redis.
//
// A single Lua script counts failures inside a window and, once the
// threshold is reached, replaces the counter with a lock key whose TTL is
// the lockout duration. Every transition is atomic, so concurrent failures
// lock an account exactly once.
package limiters
