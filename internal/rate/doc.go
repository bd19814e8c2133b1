// Package rate provides Redis-backed fixed-window counters used to throttle
// unauthenticated endpoints by client address.
//
// # Window semantics
//
// The first hit in a window creates the counter with a TTL equal to the
// window; later hits only increment it. Keys have the form
// <prefix>:rl:<name>:<key>.
//
// # What this package must NOT do
//
//   - Implement account policies. Per-account lockout lives in
//     internal/limiters.
//   - Decide whether to fail open. Callers receive ErrRedisUnavailable and
//     choose.
package rate
