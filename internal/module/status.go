// ABOUTME: Lifecycle states and the atomic status register for one module.
// ABOUTME: Readers get a consistent (state, error) snapshot without blocking writers for long.

package module

import (
	"errors"
	"sync"
)

// State is a module's lifecycle state.
type State int

const (
	// StateUnloaded is the initial and terminal state: no backend resources held.
	StateUnloaded State = iota
	// StateInitializing means backend Initialize is running.
	StateInitializing
	// StateIdle means the module is ready to accept work.
	StateIdle
	// StateBusy means an ask is in flight.
	StateBusy
	// StateClosing means backend Close is running.
	StateClosing
	// StateFailed means the last operation left the backend unusable;
	// the register's error is always set in this state.
	StateFailed
)

// String returns the lowercase state name used in logs and API payloads.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusRegister holds the current state and last error for one module.
// Only the module orchestrator writes it; any number of goroutines read it.
// Get never observes a Failed state without an error or a non-Failed state
// with a stale one.
type StatusRegister struct {
	mu    sync.Mutex
	state State
	err   error
}

// NewStatusRegister returns a register in StateUnloaded.
func NewStatusRegister() *StatusRegister {
	return &StatusRegister{state: StateUnloaded}
}

// Get returns a consistent snapshot of (state, last error).
func (r *StatusRegister) Get() (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.err
}

// Set atomically replaces the snapshot. The error is retained only for
// StateFailed and is cleared on every other transition; a Failed transition
// without an error gets a placeholder so the invariant holds.
func (r *StatusRegister) Set(state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	if state != StateFailed {
		r.err = nil
		return
	}
	if err == nil {
		err = errors.New("unspecified failure")
	}
	r.err = err
}
