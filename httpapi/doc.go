// Package httpapi exposes the token service over HTTP with a chi router.
//
// Routes:
//
//	POST /v1/auth/login       credentials in, token pair out
//	POST /v1/auth/refresh     refresh token in, token pair out
//	POST /v1/auth/logout      revoke the caller's session
//	POST /v1/auth/logout/all  revoke every session of the caller
//	POST /v1/auth/revoke      revoke one token
//	GET  /v1/auth/me          caller identity
//	GET  /healthz             liveness
//
// Login and refresh may be throttled per client address. Throttle backend
// failures are logged and let the request through; the engine's own checks
// still fail closed.
package httpapi
