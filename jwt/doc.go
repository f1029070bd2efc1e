// Package jwt reads the timing claims of access tokens and mints HS256 access tokens for test
// servers.
//
// # Architecture boundaries
//
// Inspect never verifies signatures: a client holds no verification key and only needs iat/exp
// to schedule refreshes. Trust decisions stay with the server that issued the token.
//
// # What this package must NOT do
//
//   - Import goSession (no upward imports).
//   - Treat an unverified token as authenticated.
package jwt
