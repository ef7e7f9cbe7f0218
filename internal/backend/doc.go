// Package backend defines the contract between the orchestrator and the
// conversational engines behind it.
//
// # Contract
//
// A Backend owns one long-lived provider session:
//
//	type Backend interface {
//	    Initialize(ctx context.Context) error
//	    Ask(ctx context.Context, req AskRequest, emit func(Chunk) error) error
//	    DeleteConversation(ctx context.Context, conversationID string) (string, error)
//	    Close(ctx context.Context) error
//	}
//
// The orchestrator guarantees calls are never concurrent, so implementations
// need no locking of their own. Ask emits chunks carrying the cumulative
// response text; the final chunk has Finished set.
//
// # Error Taxonomy
//
// Backends wrap failures in the package's sentinel errors (ErrSession,
// ErrTransient, ErrRequest, ...) so the orchestrator and HTTP layer can
// classify them with Classify without knowing provider specifics.
//
// Implementations live in the openai and anthropic subpackages and are
// registered by name in internal/registry.
package backend
