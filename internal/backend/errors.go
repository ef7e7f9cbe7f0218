// ABOUTME: Error classification for the shared backend error taxonomy.
// ABOUTME: Maps wrapped sentinel errors to kinds the gateway turns into HTTP statuses.

package backend

import (
	"context"
	"errors"
)

// Kind labels an error with its place in the taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidState
	KindInitialization
	KindRequest
	KindTransient
	KindSession
	KindNotFound
	KindUnknownModule
	KindCancelled
)

// String returns the snake_case name used in logs and API payloads.
func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid_state"
	case KindInitialization:
		return "initialization"
	case KindRequest:
		return "request"
	case KindTransient:
		return "transient"
	case KindSession:
		return "session"
	case KindNotFound:
		return "not_found"
	case KindUnknownModule:
		return "unknown_module"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify resolves an error to its taxonomy kind. Unwrapped errors from a
// backend classify as KindUnknown, which the orchestrator treats like a
// session fault.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrInitialization):
		return KindInitialization
	case errors.Is(err, ErrRequest):
		return KindRequest
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrSession):
		return KindSession
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnknownModule):
		return KindUnknownModule
	default:
		return KindUnknown
	}
}
