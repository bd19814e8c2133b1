// Package flows contains the orchestration behind every Engine operation.
//
// Each flow function (RunLogin, RunValidate, RunRefresh, etc.) accepts a typed
// dependency struct and returns a result carrying either the payload or a
// failure kind. The root package maps failure kinds onto its public error
// sentinels, emits audit events and records metrics.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import the root authcore package.
//   - Talk to Redis or the account provider except through its deps.
package flows
