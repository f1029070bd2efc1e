// Package goSession keeps the authenticated session of an API client alive: a short-lived access
// token and a rotating refresh token, refreshed proactively on a timer, on resume and on 401,
// with at most one refresh call in flight.
//
// Session methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// goSession is the public surface. It exposes [Session], [Builder], [Config], [Transport],
// [Coordinator] and value types (TokenPair, MetricsSnapshot, AuditEvent). Durable storage
// backends live in store/, JWT claim inspection in jwt/.
//
// Control flow is one-directional: the Scheduler and the Transport call the Coordinator, the
// Coordinator is the only caller of the refresher, and the refresher is the only component that
// rotates the stored pair. Login and Logout create and destroy the pair.
//
// # What this package must NOT do
//
//   - Send the refresh call through the Transport (a 401 on refresh must never refresh again).
//   - Log or audit token values.
//   - Navigate or prompt: session death is reported through [Session.Expired],
//     [Builder.OnSessionExpired] and errors matching [ErrSessionExpired].
package goSession
