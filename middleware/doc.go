// Package middleware adapts [authcore.Engine] to net/http.
//
// # Guards
//
//   - [Guard] verifies the bearer access token and stores its claims in the
//     request context.
//   - [RequirePermissions] does the same and additionally requires every
//     listed permission.
//
// [ClientContext] copies the caller's IP and User-Agent into the context so
// the engine can attach them to audit events. [WriteError] maps engine
// errors to HTTP status codes.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not
// parse tokens, touch Redis or make authorization decisions of its own.
package middleware
