// Package authtest runs an in-process finance API that speaks the token protocol goSession
// expects: login and registration, refresh with rotation and reuse detection, and bearer-guarded
// resources. Faults (rejected, dropped, delayed or held refresh calls, revoked access tokens) can
// be injected at runtime.
//
// # What this package must NOT do
//
//   - Import goSession (the client under test must only see HTTP).
//   - Be used outside tests and load tests.
package authtest
