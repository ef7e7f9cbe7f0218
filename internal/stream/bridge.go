// ABOUTME: Bridge hands incremental ask chunks from a producing goroutine to a
// ABOUTME: pulling consumer, with a bounded slot, one terminal event, and cancellation.

package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/seance-gateway/internal/backend"
)

// ErrTerminated is returned by Produce once the stream has received its
// terminal event. The producer stops emitting when it sees this.
var ErrTerminated = errors.New("stream already terminated")

// TerminalKind distinguishes the three ways a stream can end.
type TerminalKind int

const (
	// TerminalDone means the backend produced its final chunk normally.
	TerminalDone TerminalKind = iota
	// TerminalCancelled means a Stop truncated the stream. Not a fault.
	TerminalCancelled
	// TerminalError means the backend failed mid-stream; Err is set.
	TerminalError
)

// String returns the event name used on the wire.
func (k TerminalKind) String() string {
	switch k {
	case TerminalDone:
		return "done"
	case TerminalCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Terminal is the one-time final marker ending a stream.
type Terminal struct {
	Kind TerminalKind
	Err  error
}

// Bridge connects the operation runner's goroutine (producer) to a consumer
// pulling on another goroutine. The handoff slot holds a single chunk, so an
// unconsumed stream blocks the producer instead of buffering unboundedly.
//
// Exactly one terminal event is ever delivered; after it, every Next call
// returns the same terminal and no further chunks.
type Bridge struct {
	items chan backend.Chunk
	done  chan struct{}

	finishOnce sync.Once
	cancelOnce sync.Once
	cancel     context.CancelFunc

	mu       sync.Mutex
	terminal Terminal
	// sealed is set once Next has returned the terminal; from then on no
	// chunk is ever surfaced, even one a racing Produce slipped in late.
	sealed bool
}

// New creates a bridge. cancel is the producing operation's cancellation
// signal; Cancel raises it. A nil cancel makes Cancel a no-op.
func New(cancel context.CancelFunc) *Bridge {
	return &Bridge{
		items:  make(chan backend.Chunk, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Produce hands one chunk to the consumer, blocking until the previous chunk
// has been drained. It fails with ErrTerminated after Finish and with ctx.Err()
// when the producing operation is cancelled while waiting.
func (b *Bridge) Produce(ctx context.Context, c backend.Chunk) error {
	select {
	case <-b.done:
		return ErrTerminated
	default:
	}

	select {
	case b.items <- c:
		return nil
	case <-b.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish delivers the terminal event. Only the first call has any effect;
// the producer must not Produce after calling it.
func (b *Bridge) Finish(t Terminal) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		b.terminal = t
		b.mu.Unlock()
		close(b.done)
	})
}

// Next returns the next chunk, or the terminal event once the stream has
// ended. Chunks buffered before Finish are always drained first, so no chunk
// is lost to a racing terminal. After the terminal, Next keeps returning the
// same terminal and never surfaces another chunk, even one a Produce racing
// Finish managed to buffer. ctx bounds how long the consumer is willing to
// wait.
func (b *Bridge) Next(ctx context.Context) (backend.Chunk, *Terminal, error) {
	b.mu.Lock()
	if b.sealed {
		t := b.terminal
		b.mu.Unlock()
		return backend.Chunk{}, &t, nil
	}
	b.mu.Unlock()

	// Pending chunk wins over a terminal that raced in behind it.
	select {
	case c := <-b.items:
		return c, nil, nil
	default:
	}

	select {
	case c := <-b.items:
		return c, nil, nil
	case <-b.done:
		select {
		case c := <-b.items:
			return c, nil, nil
		default:
		}
		b.mu.Lock()
		b.sealed = true
		t := b.terminal
		b.mu.Unlock()
		return backend.Chunk{}, &t, nil
	case <-ctx.Done():
		return backend.Chunk{}, nil, ctx.Err()
	}
}

// Cancel raises the producing operation's cancellation signal. It does not
// terminate the stream itself: the producer observes the signal and calls
// Finish with a cancelled terminal.
func (b *Bridge) Cancel() {
	b.cancelOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
	})
}
