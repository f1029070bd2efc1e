// Package store provides durable key/value slots for client credentials.
//
// Every type here satisfies goSession.PersistentStore structurally: Get reads one key,
// SetAll writes a group of keys atomically, Delete removes keys and ignores missing ones.
//
// # Architecture boundaries
//
// This package owns persistence only. It does NOT interpret tokens, decide when to refresh,
// or know which keys a session uses.
//
// # What this package must NOT do
//
//   - Import goSession (no upward imports).
//   - Log or otherwise expose stored values.
package store
