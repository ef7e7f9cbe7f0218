// Package module implements the lifecycle orchestrator for one configured module.
//
// # State Machine
//
// A module moves through a small set of states:
//
//	unloaded -> initializing -> idle <-> busy
//	                 |                    |
//	                 +------> failed <----+
//
// Close is accepted from idle and failed and always lands in unloaded, even
// when the backend's teardown fails. Exactly one ask may be in flight; a
// second ask while busy is rejected with ErrInvalidState rather than queued.
//
// # Asking
//
// Ask returns a *stream.Bridge immediately and runs the backend call in a
// goroutine. The caller drains the bridge; Stop cancels the in-flight ask's
// context, which surfaces as a cancelled terminal.
//
// Failures are classified when the ask finishes: request, transient, and
// not-found errors return the module to idle, while session and unknown
// errors mark it failed until the caller closes and re-initializes it.
//
// # Status
//
// StatusRegister holds the externally visible state and last error behind
// the same mutex that serializes lifecycle transitions, so readers always
// see a consistent pair.
package module
