// ABOUTME: Tests for the chunk bridge: ordering, backpressure, terminal
// ABOUTME: idempotency, and cancellation truncation.

package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/backend"
)

func TestBridgeDeliversChunksInOrder(t *testing.T) {
	br := New(nil)
	ctx := context.Background()

	go func() {
		for i := 0; i < 5; i++ {
			err := br.Produce(ctx, backend.Chunk{Response: fmt.Sprintf("chunk-%d", i)})
			require.NoError(t, err)
		}
		br.Finish(Terminal{Kind: TerminalDone})
	}()

	var got []string
	for {
		chunk, terminal, err := br.Next(ctx)
		require.NoError(t, err)
		if terminal != nil {
			assert.Equal(t, TerminalDone, terminal.Kind)
			break
		}
		got = append(got, chunk.Response)
	}

	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), r)
	}
}

func TestBridgeBackpressureBlocksProducer(t *testing.T) {
	br := New(nil)
	ctx := context.Background()

	// First chunk fills the slot.
	require.NoError(t, br.Produce(ctx, backend.Chunk{Response: "first"}))

	// Second chunk must block until the consumer drains.
	produced := make(chan error, 1)
	go func() {
		produced <- br.Produce(ctx, backend.Chunk{Response: "second"})
	}()

	select {
	case <-produced:
		t.Fatal("second Produce returned before consumer drained the slot")
	case <-time.After(50 * time.Millisecond):
	}

	chunk, terminal, err := br.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, terminal)
	assert.Equal(t, "first", chunk.Response)

	select {
	case err := <-produced:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Produce did not unblock after drain")
	}
}

func TestBridgeDrainsBufferedChunkBeforeTerminal(t *testing.T) {
	br := New(nil)
	ctx := context.Background()

	require.NoError(t, br.Produce(ctx, backend.Chunk{Response: "last words"}))
	br.Finish(Terminal{Kind: TerminalDone})

	chunk, terminal, err := br.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, terminal)
	assert.Equal(t, "last words", chunk.Response)

	_, terminal, err = br.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, TerminalDone, terminal.Kind)
}

func TestBridgeTerminalIsIdempotent(t *testing.T) {
	br := New(nil)
	ctx := context.Background()

	wantErr := errors.New("backend exploded")
	br.Finish(Terminal{Kind: TerminalError, Err: wantErr})
	// Later Finish calls are ignored.
	br.Finish(Terminal{Kind: TerminalDone})

	for i := 0; i < 3; i++ {
		_, terminal, err := br.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, terminal)
		assert.Equal(t, TerminalError, terminal.Kind)
		assert.Equal(t, wantErr, terminal.Err)
	}
}

func TestBridgeNoChunkSurfacesAfterTerminal(t *testing.T) {
	br := New(nil)
	ctx := context.Background()

	br.Finish(Terminal{Kind: TerminalDone})

	_, terminal, err := br.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, terminal)

	// A Produce racing Finish can have won its send after done closed,
	// leaving a chunk in the slot. Once the consumer has seen the terminal,
	// that chunk must never surface.
	br.items <- backend.Chunk{Response: "straggler"}

	for i := 0; i < 2; i++ {
		chunk, terminal, err := br.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, terminal, "chunk %q surfaced after the terminal", chunk.Response)
		assert.Equal(t, TerminalDone, terminal.Kind)
	}
}

func TestBridgeProduceFailsAfterFinish(t *testing.T) {
	br := New(nil)
	br.Finish(Terminal{Kind: TerminalCancelled})

	err := br.Produce(context.Background(), backend.Chunk{Response: "too late"})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestBridgeCancelRaisesProducerSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	br := New(cancel)

	// Fill the slot so the next Produce blocks, then cancel mid-produce.
	require.NoError(t, br.Produce(ctx, backend.Chunk{Response: "first"}))

	produced := make(chan error, 1)
	go func() {
		produced <- br.Produce(ctx, backend.Chunk{Response: "second"})
	}()

	br.Cancel()

	select {
	case err := <-produced:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Produce did not observe cancellation")
	}
}

func TestBridgeNextHonorsConsumerContext(t *testing.T) {
	br := New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := br.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalKindNames(t *testing.T) {
	assert.Equal(t, "done", TerminalDone.String())
	assert.Equal(t, "cancelled", TerminalCancelled.String())
	assert.Equal(t, "error", TerminalError.String())
}
