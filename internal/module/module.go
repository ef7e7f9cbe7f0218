// ABOUTME: Module orchestrator: wraps one backend, enforces the lifecycle state
// ABOUTME: machine and single-flight, and runs blocking operations off the caller's goroutine.

package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/stream"
)

// Module is the stateful wrapper around one backend instance. It owns the
// backend exclusively and guarantees at most one backend operation is in
// flight at a time; state transitions and the in-flight slot are taken under
// one mutex, so two concurrent Asks can never both proceed.
type Module struct {
	name    string
	backend backend.Backend
	status  *StatusRegister
	logger  *slog.Logger

	mu        sync.Mutex
	inFlight  bool
	cancelAsk context.CancelFunc
}

// New creates a module orchestrator in StateUnloaded.
func New(name string, b backend.Backend, logger *slog.Logger) *Module {
	return &Module{
		name:    name,
		backend: b,
		status:  NewStatusRegister(),
		logger:  logger.With("module", name),
	}
}

// Name returns the module's registry name.
func (m *Module) Name() string {
	return m.name
}

// Status returns a non-blocking snapshot of (state, last error).
func (m *Module) Status() (State, error) {
	return m.status.Get()
}

// Initialize starts the backend session. Accepted only from StateUnloaded.
// When blocking is true the backend call runs on the caller's goroutine and
// the initialization error (if any) is returned; otherwise Initialize returns
// immediately after the transition to StateInitializing and callers poll
// Status for the outcome.
func (m *Module) Initialize(ctx context.Context, blocking bool) error {
	m.mu.Lock()
	if st, _ := m.status.Get(); st != StateUnloaded {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize while %s", backend.ErrInvalidState, st)
	}
	m.inFlight = true
	m.status.Set(StateInitializing, nil)
	m.mu.Unlock()

	if blocking {
		return m.runInitialize(ctx)
	}
	m.logger.Info("initialization started")
	go func() { _ = m.runInitialize(context.Background()) }()
	return nil
}

// runInitialize executes backend Initialize and records exactly one status
// transition before returning.
func (m *Module) runInitialize(ctx context.Context) error {
	err := m.backend.Initialize(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	if err != nil {
		if backend.Classify(err) == backend.KindUnknown {
			err = fmt.Errorf("%w: %v", backend.ErrInitialization, err)
		}
		m.logger.Error("initialization failed", "error", err)
		m.status.Set(StateFailed, err)
		return err
	}
	m.logger.Info("module initialized")
	m.status.Set(StateIdle, nil)
	return nil
}

// Ask starts a streaming request. Accepted only from StateIdle; the
// transition to StateBusy and the in-flight acquisition happen atomically.
// The returned bridge delivers chunks and exactly one terminal event; the
// module returns to StateIdle (or StateFailed on a session fault) when the
// stream terminates.
func (m *Module) Ask(req backend.AskRequest) (*stream.Bridge, error) {
	m.mu.Lock()
	st, _ := m.status.Get()
	if st != StateIdle || m.inFlight {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot ask while %s", backend.ErrInvalidState, st)
	}
	m.inFlight = true
	m.status.Set(StateBusy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelAsk = cancel
	br := stream.New(cancel)
	m.mu.Unlock()

	m.logger.Debug("ask started", "conversation_id", req.ConversationID)
	go m.runAsk(ctx, req, br)
	return br, nil
}

// runAsk drives the backend's incremental production into the bridge and
// finalizes both the status register and the stream's terminal event. The
// status update always lands before the terminal is delivered, so a consumer
// that drains the stream and then polls Status sees the settled state.
func (m *Module) runAsk(ctx context.Context, req backend.AskRequest, br *stream.Bridge) {
	err := m.backend.Ask(ctx, req, func(c backend.Chunk) error {
		return br.Produce(ctx, c)
	})

	m.mu.Lock()
	m.inFlight = false
	m.cancelAsk = nil

	var terminal stream.Terminal
	switch kind := backend.Classify(err); {
	case err == nil:
		m.status.Set(StateIdle, nil)
		terminal = stream.Terminal{Kind: stream.TerminalDone}
	case kind == backend.KindCancelled:
		// Caller-requested truncation is not a backend fault.
		m.logger.Info("ask cancelled")
		m.status.Set(StateIdle, nil)
		terminal = stream.Terminal{Kind: stream.TerminalCancelled}
	case kind == backend.KindRequest, kind == backend.KindTransient, kind == backend.KindNotFound:
		// Caller's fault or retryable: the module stays usable.
		m.logger.Warn("ask failed", "error", err, "kind", kind.String())
		m.status.Set(StateIdle, nil)
		terminal = stream.Terminal{Kind: stream.TerminalError, Err: err}
	default:
		// Session faults and anything unclassified poison the session.
		m.logger.Error("ask failed, module unusable", "error", err, "kind", kind.String())
		m.status.Set(StateFailed, err)
		terminal = stream.Terminal{Kind: stream.TerminalError, Err: err}
	}
	m.mu.Unlock()

	br.Finish(terminal)
}

// Stop requests cancellation of an in-flight ask. The state transition
// happens when the cancelled operation observes the signal and terminates;
// Stop on a module that is not busy is a no-op.
func (m *Module) Stop() {
	m.mu.Lock()
	cancel := m.cancelAsk
	m.mu.Unlock()
	if cancel != nil {
		m.logger.Info("stop requested")
		cancel()
	}
}

// DeleteConversation removes one conversation (the most recent when id is
// empty) and returns the ID the backend resolved and deleted. Accepted only
// from StateIdle. It holds the in-flight slot while the backend call runs but
// the public state stays Idle; a concurrent Ask fails with an invalid-state
// error.
func (m *Module) DeleteConversation(ctx context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	st, _ := m.status.Get()
	if st != StateIdle || m.inFlight {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: cannot delete conversation while %s", backend.ErrInvalidState, st)
	}
	m.inFlight = true
	m.mu.Unlock()

	deletedID, err := m.backend.DeleteConversation(ctx, conversationID)

	m.mu.Lock()
	m.inFlight = false
	if err != nil {
		switch backend.Classify(err) {
		case backend.KindNotFound, backend.KindRequest, backend.KindTransient:
			// Module stays usable.
		default:
			m.logger.Error("delete conversation failed, module unusable", "error", err)
			m.status.Set(StateFailed, err)
		}
	}
	m.mu.Unlock()
	return deletedID, err
}

// Close releases the backend's resources. Accepted from StateIdle or
// StateFailed; a busy module must be stopped first. The module always ends in
// StateUnloaded: a backend close failure is logged, not fatal, and the module
// may be re-initialized afterward.
func (m *Module) Close(ctx context.Context, blocking bool) error {
	m.mu.Lock()
	st, _ := m.status.Get()
	if st != StateIdle && st != StateFailed {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot close while %s", backend.ErrInvalidState, st)
	}
	m.inFlight = true
	m.status.Set(StateClosing, nil)
	m.mu.Unlock()

	if blocking {
		m.runClose(ctx)
		return nil
	}
	m.logger.Info("close started")
	go m.runClose(context.Background())
	return nil
}

// runClose executes backend Close and settles the module in StateUnloaded.
func (m *Module) runClose(ctx context.Context) {
	if err := m.backend.Close(ctx); err != nil {
		m.logger.Warn("backend close failed", "error", err)
	}

	m.mu.Lock()
	m.inFlight = false
	m.status.Set(StateUnloaded, nil)
	m.mu.Unlock()
	m.logger.Info("module closed")
}
