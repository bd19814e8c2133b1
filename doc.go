// Package authcore is the authentication token subsystem of the account
// service. It issues, validates, refreshes and revokes JWT access and
// refresh tokens, locks accounts after repeated failed logins, and caches
// account lookups in bounded tiers.
//
// Build an [Engine] once at startup and share it between goroutines:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithAccountProvider(accounts).
//		Build()
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config] and
// value types. Flow orchestration and audit dispatch live under internal/;
// token encoding, revocation state and caching live in the jwt, revocation
// and cache packages.
//
// # Failure policy
//
// Revocation checks fail closed: if Redis cannot answer, Validate returns
// [ErrStoreUnavailable]. Cache reads fail open and fall through to the
// [AccountProvider].
package authcore
