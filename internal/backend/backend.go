// ABOUTME: Capability contract every pluggable agent backend must satisfy.
// ABOUTME: Defines ask request/chunk types and the shared error taxonomy.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors forming the taxonomy shared by backends, orchestrator,
// registry, and the HTTP layer. Backends wrap these with fmt.Errorf("...: %w")
// so callers can classify with errors.Is.
var (
	// ErrInvalidState indicates an operation that is not legal in the module's
	// current lifecycle state. Raised by the orchestrator, never by a backend.
	ErrInvalidState = errors.New("invalid module state")

	// ErrInitialization indicates an unrecoverable setup failure. The backend
	// must still be safe to Close afterward.
	ErrInitialization = errors.New("initialization failed")

	// ErrRequest indicates malformed caller input.
	ErrRequest = errors.New("bad request")

	// ErrTransient indicates a recoverable I/O failure. The caller may retry
	// after backoff; the orchestrator never retries on its own.
	ErrTransient = errors.New("transient backend failure")

	// ErrSession indicates the backend's underlying session has become
	// unusable. The orchestrator transitions to Failed; recovery requires an
	// explicit Close followed by Initialize.
	ErrSession = errors.New("backend session unusable")

	// ErrNotFound indicates a conversation ID that does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrUnknownModule indicates a module name absent from the registry.
	ErrUnknownModule = errors.New("unknown module")
)

// AskRequest carries one prompt to a backend.
type AskRequest struct {
	// Prompt is the user's text request. Required.
	Prompt string `json:"prompt"`

	// ConversationID continues an existing conversation when set, or starts
	// a new one when empty.
	ConversationID string `json:"conversation_id,omitempty"`

	// RenderHTML asks the gateway to render the response markdown to HTML
	// before streaming it out. Backends ignore it.
	RenderHTML bool `json:"render_html,omitempty"`
}

// Validate checks the request fields a backend requires.
func (r AskRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrRequest)
	}
	return nil
}

// Chunk is one incremental partial result of an ask. Response carries the
// cumulative answer text produced so far; the chunk with Finished=true is the
// last one and holds the complete answer.
type Chunk struct {
	Finished       bool   `json:"finished"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Response       string `json:"response"`
}

// Backend is the capability contract for one pluggable conversational agent.
// Implementations are exclusively owned by a single module orchestrator and
// are never called from two goroutines at once (single-flight is enforced one
// level up).
type Backend interface {
	// Initialize establishes the backend's session. Blocking. Called at most
	// once per lifecycle unless preceded by Close. Failures wrap
	// ErrInitialization and must leave the backend safe to Close.
	Initialize(ctx context.Context) error

	// Ask sends a prompt and emits incremental chunks through emit until the
	// answer is complete. Blocking. Implementations must observe ctx
	// cancellation between chunks and return ctx.Err() promptly when
	// cancelled. The final emitted chunk has Finished=true.
	Ask(ctx context.Context, req AskRequest, emit func(Chunk) error) error

	// DeleteConversation removes one conversation; the most recently used one
	// when conversationID is empty. Returns the ID that was actually deleted
	// so callers can reconcile their own records. Wraps ErrNotFound for
	// unknown IDs.
	DeleteConversation(ctx context.Context, conversationID string) (string, error)

	// Close releases all backend resources. Safe to call after a partial
	// Initialize failure and safe to call twice.
	Close(ctx context.Context) error
}

// Config is the per-module backend configuration resolved from the gateway
// config file. Fields a particular backend does not use are ignored.
type Config struct {
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int64

	// MaxHistory bounds the number of retained turns per conversation.
	// Zero means the backend's default.
	MaxHistory int
}

// Factory constructs a backend from its configuration.
type Factory func(cfg Config, logger *slog.Logger) (Backend, error)
