// Package auth provides pluggable authentication for relais.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from relay
// logic. The middleware also injects the owner identity into the request
// context for registry ownership checks and storage scoping.
package auth
